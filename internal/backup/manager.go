package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/lifecycle"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/state"
)

// RetryOptions bounds how a failed sink write is retried. Zero MaxRetries disables retries.
type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

type Result struct {
	Success   bool
	Path      string
	Seq       int64
	Trigger   Trigger
	CreatedAt time.Time
	Users     int
}

// Manager writes snapshots of a store through a Sink and keeps the newest Retention of them.
type Manager struct {
	store     *state.Store
	sink      Sink
	retention int
	metrics   *observability.Metrics
	retry     RetryOptions
	now       func() time.Time

	// mu serializes writers; a scheduled run that cannot take it is skipped
	mu     sync.Mutex
	seq    int64
	seeded bool
	manual singleflight.Group
}

func NewManager(store *state.Store, sink Sink, retention int, metrics *observability.Metrics) *Manager {
	if retention < 1 {
		retention = 1
	}
	return &Manager{
		store:     store,
		sink:      sink,
		retention: retention,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetRetry makes snapshot writes retry with exponential backoff.
func (m *Manager) SetRetry(opts RetryOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry = opts
}

func (m *Manager) getLogEntry() *log.Entry {
	return log.WithField("context", "backup")
}

// Snapshot writes the current store content. Concurrent manual requests share one write;
// a scheduled request made while another snapshot is running returns ErrSnapshotInFlight.
func (m *Manager) Snapshot(ctx context.Context, trigger Trigger) (Result, error) {
	if !trigger.Valid() {
		return Result{}, ngerrors.Invalid("trigger", fmt.Sprintf("unknown trigger %q", trigger))
	}

	switch trigger {
	case TriggerScheduled:
		if !m.mu.TryLock() {
			m.metrics.RecordSkippedSnapshot()
			m.getLogEntry().Debug("scheduled snapshot skipped, another one is in flight")
			return Result{Trigger: trigger}, ngerrors.ErrSnapshotInFlight
		}
		defer m.mu.Unlock()
		return m.snapshotLocked(ctx, trigger)
	case TriggerManual:
		v, err, _ := m.manual.Do(string(trigger), func() (any, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.snapshotLocked(ctx, trigger)
		})
		res, _ := v.(Result)
		return res, err
	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.snapshotLocked(ctx, trigger)
	}
}

func (m *Manager) snapshotLocked(ctx context.Context, trigger Trigger) (res Result, err error) {
	ctx, span := observability.Tracer().Start(ctx, "backup.Snapshot", trace.WithAttributes(
		attribute.String("trigger", string(trigger)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.RecordSnapshot(string(trigger), err == nil)
	}()

	entry := m.getLogEntry().WithField("trigger", trigger)
	if err := m.seedLocked(ctx); err != nil {
		entry.WithField("error", err.Error()).Error("failed to read snapshot sequence")
		return Result{Trigger: trigger}, ngerrors.Persistence("list snapshots", err)
	}

	snap := &Snapshot{
		FormatVersion: FormatVersion,
		Trigger:       trigger,
		CreatedAt:     m.now().UTC(),
		Payload:       m.store.Export(),
	}
	res = Result{Trigger: trigger, CreatedAt: snap.CreatedAt, Users: len(snap.Payload.Users)}

	path, err := m.writeLocked(ctx, snap)
	res.Seq = snap.Seq
	if err != nil {
		entry.WithField("error", err.Error()).Error("failed to write snapshot")
		return res, ngerrors.Persistence("write snapshot", err)
	}
	res.Success = true
	res.Path = path

	if err := m.rotateLocked(ctx); err != nil {
		entry.WithField("error", err.Error()).Warn("failed to rotate snapshots")
	}
	entry.WithFields(log.Fields{
		"seq":   snap.Seq,
		"path":  path,
		"users": res.Users,
	}).Info("snapshot written")
	return res, nil
}

// writeLocked numbers, encodes and writes snap. A failed write may still have landed in the sink,
// so every attempt re-reads the sequence before numbering.
func (m *Manager) writeLocked(ctx context.Context, snap *Snapshot) (string, error) {
	attempt := 0
	write := func() (string, error) {
		attempt++
		if err := m.seedLocked(ctx); err != nil {
			return "", err
		}
		snap.Seq = m.seq + 1
		raw, err := encode(snap)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("failed to encode snapshot: %w", err))
		}
		path, err := m.sink.Write(ctx, Meta{Seq: snap.Seq, Trigger: snap.Trigger, CreatedAt: snap.CreatedAt}, raw)
		if err != nil {
			m.seeded = false
			m.getLogEntry().WithFields(log.Fields{
				"seq":     snap.Seq,
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("snapshot write attempt failed")
			return "", err
		}
		m.seq = snap.Seq
		return path, nil
	}

	if m.retry.MaxRetries == 0 {
		return write()
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.retry.InitialInterval),
		backoff.WithMaxInterval(m.retry.MaxInterval),
		backoff.WithMaxElapsedTime(m.retry.MaxElapsedTime),
	), m.retry.MaxRetries)

	var path string
	err := backoff.Retry(func() error {
		var err error
		path, err = write()
		return err
	}, backoff.WithContext(b, ctx))
	return path, err
}

func (m *Manager) seedLocked(ctx context.Context) error {
	if m.seeded {
		return nil
	}
	metas, err := m.sink.List(ctx)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.Seq > m.seq {
			m.seq = meta.Seq
		}
	}
	if rec, ok := m.sink.(seqRecorder); ok {
		last, err := rec.LastWritten(ctx)
		if err != nil {
			return err
		}
		if last > m.seq {
			m.seq = last
		}
	}
	m.seeded = true
	return nil
}

// rotateLocked deletes everything but the newest retention snapshots, oldest first.
func (m *Manager) rotateLocked(ctx context.Context) error {
	metas, err := m.sink.List(ctx)
	if err != nil {
		return err
	}
	excess := len(metas) - m.retention
	if excess <= 0 {
		return nil
	}
	seqs := make([]int64, 0, excess)
	for _, meta := range metas[:excess] {
		seqs = append(seqs, meta.Seq)
	}
	if err := m.sink.Delete(ctx, seqs); err != nil {
		return err
	}
	m.getLogEntry().WithField("deleted", len(seqs)).Debug("rotated snapshots")
	return nil
}

// List returns the stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]Meta, error) {
	metas, err := m.sink.List(ctx)
	if err != nil {
		return nil, ngerrors.Persistence("list snapshots", err)
	}
	return metas, nil
}

// LoadLatest returns the newest snapshot that decodes, skipping corrupted ones.
// It returns nil without error when the sink holds no snapshots.
func (m *Manager) LoadLatest(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seedLocked(ctx); err != nil {
		return nil, ngerrors.Persistence("list snapshots", err)
	}
	metas, err := m.sink.List(ctx)
	if err != nil {
		return nil, ngerrors.Persistence("list snapshots", err)
	}

	var lastErr error
	for i := len(metas) - 1; i >= 0; i-- {
		meta := metas[i]
		source := meta.Location
		if source == "" {
			source = fmt.Sprintf("snapshot %d", meta.Seq)
		}
		raw, err := m.sink.Read(ctx, meta.Seq)
		if err != nil {
			lastErr = ngerrors.Persistence("read snapshot", err)
			m.getLogEntry().WithField("source", source).WithField("error", err.Error()).Warn("failed to read snapshot, trying older one")
			continue
		}
		snap, err := decode(source, raw)
		if err != nil {
			lastErr = err
			m.getLogEntry().WithField("source", source).WithField("error", err.Error()).Warn("skipping corrupted snapshot")
			continue
		}
		if snap.Seq == 0 {
			snap.Seq = meta.Seq
		}
		return snap, nil
	}
	return nil, lastErr
}

// RestoreLatest loads the newest good snapshot into the store. It reports whether anything was restored.
func (m *Manager) RestoreLatest(ctx context.Context) (bool, error) {
	snap, err := m.LoadLatest(ctx)
	if err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}
	skipped := m.store.Restore(snap.Payload, m.now())
	entry := m.getLogEntry().WithFields(log.Fields{
		"seq":     snap.Seq,
		"users":   len(snap.Payload.Users) - skipped,
		"skipped": skipped,
	})
	if skipped > 0 {
		entry.Warn("restored snapshot with unrepairable records dropped")
	} else {
		entry.Info("restored snapshot")
	}
	return true, nil
}

// NewScheduler snapshots the store every interval. Ticks overlapping a running snapshot are skipped.
func NewScheduler(m *Manager, interval time.Duration) *lifecycle.Periodic {
	return lifecycle.NewPeriodic("backup_scheduler", interval, func(ctx context.Context) error {
		_, err := m.Snapshot(ctx, TriggerScheduled)
		if errors.Is(err, ngerrors.ErrSnapshotInFlight) {
			return nil
		}
		return err
	})
}
