package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Meta identifies a stored snapshot without reading it.
type Meta struct {
	Seq       int64
	Trigger   Trigger
	CreatedAt time.Time
	Location  string
}

// Sink is where encoded snapshots live. List returns snapshots ordered by ascending Seq.
type Sink interface {
	Write(ctx context.Context, meta Meta, raw []byte) (string, error)
	List(ctx context.Context) ([]Meta, error)
	Read(ctx context.Context, seq int64) ([]byte, error)
	Delete(ctx context.Context, seqs []int64) error
}

// seqRecorder is implemented by sinks that remember the highest sequence they accepted.
type seqRecorder interface {
	LastWritten(ctx context.Context) (int64, error)
}

var snapshotName = regexp.MustCompile(`^snapshot-(\d+)-([a-z]+)\.json$`)

// FileSink keeps one JSON file per snapshot in a directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) fileName(meta Meta) string {
	return fmt.Sprintf("snapshot-%020d-%s.json", meta.Seq, meta.Trigger)
}

// Write stores raw under a temp name and renames it into place, so readers never see a partial file.
func (s *FileSink) Write(ctx context.Context, meta Meta, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close snapshot: %w", err)
	}
	path := filepath.Join(s.dir, s.fileName(meta))
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return path, nil
}

func (s *FileSink) List(ctx context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup dir: %w", err)
	}
	metas := []Meta{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := snapshotName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		meta := Meta{Seq: seq, Trigger: Trigger(m[2]), Location: filepath.Join(s.dir, e.Name())}
		if info, err := e.Info(); err == nil {
			meta.CreatedAt = info.ModTime()
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })
	return metas, nil
}

func (s *FileSink) Read(ctx context.Context, seq int64) ([]byte, error) {
	meta, err := s.find(ctx, seq)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(meta.Location)
}

func (s *FileSink) Delete(ctx context.Context, seqs []int64) error {
	metas, err := s.List(ctx)
	if err != nil {
		return err
	}
	drop := make(map[int64]struct{}, len(seqs))
	for _, seq := range seqs {
		drop[seq] = struct{}{}
	}
	for _, m := range metas {
		if _, ok := drop[m.Seq]; !ok {
			continue
		}
		if err := os.Remove(m.Location); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", m.Location, err)
		}
	}
	return nil
}

func (s *FileSink) find(ctx context.Context, seq int64) (Meta, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return Meta{}, err
	}
	for _, m := range metas {
		if m.Seq == seq {
			return m, nil
		}
	}
	return Meta{}, fmt.Errorf("snapshot %d: %w", seq, os.ErrNotExist)
}
