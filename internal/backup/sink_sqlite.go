package backup

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/iamwavecut/ngguard/internal/db/sqlite"
)

const lastSnapshotKey = "last_snapshot_seq"

// SQLiteSink keeps snapshots as rows of the sqlite snapshot catalog.
type SQLiteSink struct {
	client *sqlite.Client
	path   string
}

func NewSQLiteSink(ctx context.Context, dir string) (*SQLiteSink, error) {
	client, err := sqlite.NewSQLiteClient(ctx, dir, "snapshots.db")
	if err != nil {
		return nil, err
	}
	return &SQLiteSink{client: client, path: dir}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, meta Meta, raw []byte) (string, error) {
	row := &sqlite.SnapshotRow{
		Seq:           meta.Seq,
		Trigger:       string(meta.Trigger),
		FormatVersion: FormatVersion,
		CreatedAt:     meta.CreatedAt.UTC(),
		Payload:       raw,
	}
	if err := s.client.PutSnapshot(ctx, row, lastSnapshotKey); err != nil {
		return "", err
	}
	return s.location(meta.Seq), nil
}

func (s *SQLiteSink) List(ctx context.Context) ([]Meta, error) {
	seqs, err := s.client.SnapshotSeqs(ctx)
	if err != nil {
		return nil, err
	}
	metas := make([]Meta, 0, len(seqs))
	for _, seq := range seqs {
		metas = append(metas, Meta{Seq: seq, Location: s.location(seq)})
	}
	return metas, nil
}

func (s *SQLiteSink) Read(ctx context.Context, seq int64) ([]byte, error) {
	row, err := s.client.GetSnapshot(ctx, seq)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("snapshot %d: %w", seq, os.ErrNotExist)
	}
	return row.Payload, nil
}

func (s *SQLiteSink) Delete(ctx context.Context, seqs []int64) error {
	return s.client.DeleteSnapshots(ctx, seqs)
}

// LastWritten is the sequence of the last snapshot this catalog accepted, 0 if none.
// It survives rotation, so the manager seeds from it.
func (s *SQLiteSink) LastWritten(ctx context.Context) (int64, error) {
	v, err := s.client.GetKV(ctx, lastSnapshotKey)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *SQLiteSink) Close() error {
	return s.client.Close()
}

func (s *SQLiteSink) location(seq int64) string {
	return fmt.Sprintf("sqlite:%s#%d", s.path, seq)
}
