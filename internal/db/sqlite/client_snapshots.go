package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type SnapshotRow struct {
	Seq           int64     `db:"seq"`
	Trigger       string    `db:"trigger_kind"`
	FormatVersion int       `db:"format_version"`
	CreatedAt     time.Time `db:"created_at"`
	Payload       []byte    `db:"payload"`
}

// PutSnapshot inserts the row and, when seqKey is set, records its seq under seqKey in the kv store.
// Both writes commit together or not at all.
func (c *Client) PutSnapshot(ctx context.Context, row *SnapshotRow, seqKey string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO snapshots (seq, trigger_kind, format_version, created_at, payload)
		VALUES (:seq, :trigger_kind, :format_version, :created_at, :payload)
	`
	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert snapshot %d: %w", row.Seq, err)
	}
	if seqKey != "" {
		if err := setKV(ctx, tx, seqKey, strconv.FormatInt(row.Seq, 10)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSnapshot returns nil without error when seq is not stored.
func (c *Client) GetSnapshot(ctx context.Context, seq int64) (*SnapshotRow, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	row := &SnapshotRow{}
	err := c.db.GetContext(ctx, row, `
		SELECT seq, trigger_kind, format_version, created_at, payload
		FROM snapshots WHERE seq = ?`, seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot %d: %w", seq, err)
	}
	return row, nil
}

// SnapshotSeqs lists stored sequence numbers in ascending order.
func (c *Client) SnapshotSeqs(ctx context.Context) ([]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	seqs := []int64{}
	if err := c.db.SelectContext(ctx, &seqs, `SELECT seq FROM snapshots ORDER BY seq ASC`); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return seqs, nil
}

func (c *Client) DeleteSnapshots(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `DELETE FROM snapshots WHERE seq = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, seq := range seqs {
		if _, err := stmt.ExecContext(ctx, seq); err != nil {
			return fmt.Errorf("failed to delete snapshot %d: %w", seq, err)
		}
	}
	return tx.Commit()
}
