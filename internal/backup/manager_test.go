package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/state"
)

type memorySink struct {
	mu       sync.Mutex
	data     map[int64][]byte
	writeErr error
	failures int
	// landed writes store the snapshot and still report an error
	landed   int
	writes   int
	entered  chan struct{}
	release  chan struct{}
}

func newMemorySink() *memorySink {
	return &memorySink{data: map[int64][]byte{}}
}

func (s *memorySink) Write(ctx context.Context, meta Meta, raw []byte) (string, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return "", s.writeErr
	}
	if s.failures > 0 {
		s.failures--
		return "", errors.New("disk busy")
	}
	if _, ok := s.data[meta.Seq]; ok {
		return "", fmt.Errorf("snapshot %d already stored", meta.Seq)
	}
	s.data[meta.Seq] = append([]byte{}, raw...)
	if s.landed > 0 {
		s.landed--
		return "", errors.New("lost acknowledgement")
	}
	return "memory", nil
}

func (s *memorySink) List(ctx context.Context) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas := []Meta{}
	for seq := range s.data {
		metas = append(metas, Meta{Seq: seq})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })
	return metas, nil
}

func (s *memorySink) Read(ctx context.Context, seq int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[seq]
	if !ok {
		return nil, os.ErrNotExist
	}
	return raw, nil
}

func (s *memorySink) Delete(ctx context.Context, seqs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range seqs {
		delete(s.data, seq)
	}
	return nil
}

func seededStore(t *testing.T) *state.Store {
	t.Helper()
	now := time.Unix(1700000000, 0)
	store := state.NewStore()
	for id := int64(1); id <= 3; id++ {
		if err := store.Update(id, now, func(rec *state.UserRecord) error {
			rec.SpamScore = float64(id * 10)
			rec.MessageCount = int(id)
			return nil
		}); err != nil {
			t.Fatalf("seed user %d: %v", id, err)
		}
	}
	store.AppendLog(-100, state.ActionEntry{TargetID: 1, Action: "warned", At: now})
	return store
}

func TestRotationKeepsNewestRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	m := NewManager(seededStore(t), sink, 3, nil)

	for i := 0; i < 4; i++ {
		res, err := m.Snapshot(ctx, TriggerManual)
		if err != nil || !res.Success {
			t.Fatalf("snapshot %d: %#v %v", i+1, res, err)
		}
	}

	metas, err := sink.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("expected 3 snapshots after rotation, got %d", len(metas))
	}
	for i, want := range []int64{2, 3, 4} {
		if metas[i].Seq != want {
			t.Fatalf("unexpected remaining seqs: %#v", metas)
		}
	}
}

func TestSequenceContinuesAcrossManagers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	sink, _ := NewFileSink(dir)
	first := NewManager(seededStore(t), sink, 10, nil)
	for i := 0; i < 2; i++ {
		if _, err := first.Snapshot(ctx, TriggerScheduled); err != nil {
			t.Fatalf("snapshot: %v", err)
		}
	}

	second := NewManager(state.NewStore(), sink, 10, nil)
	res, err := second.Snapshot(ctx, TriggerEmergency)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if res.Seq != 3 {
		t.Fatalf("sequence should continue from the sink, got %d", res.Seq)
	}
}

func TestRestoreLatestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink, _ := NewFileSink(t.TempDir())
	src := seededStore(t)
	if _, err := NewManager(src, sink, 10, nil).Snapshot(ctx, TriggerManual); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	dst := state.NewStore()
	restored, err := NewManager(dst, sink, 10, nil).RestoreLatest(ctx)
	if err != nil || !restored {
		t.Fatalf("restore: %v %v", restored, err)
	}
	if dst.Len() != 3 {
		t.Fatalf("unexpected user count: %d", dst.Len())
	}
	if rec := dst.Get(2); rec == nil || rec.SpamScore != 20 || rec.MessageCount != 2 {
		t.Fatalf("unexpected restored record: %#v", rec)
	}
	if log := dst.GroupLog(-100); len(log) != 1 || log[0].Action != "warned" {
		t.Fatalf("unexpected restored log: %#v", log)
	}
}

func TestLoadLatestSkipsCorruptedSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink, _ := NewFileSink(t.TempDir())
	m := NewManager(seededStore(t), sink, 10, nil)
	if _, err := m.Snapshot(ctx, TriggerManual); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	res, err := m.Snapshot(ctx, TriggerManual)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if err := os.WriteFile(res.Path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	snap, err := NewManager(state.NewStore(), sink, 10, nil).LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil || snap.Seq != 1 {
		t.Fatalf("expected fallback to snapshot 1, got %#v", snap)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("corrupted snapshot should be kept on disk: %v", err)
	}
}

func TestLoadLatestReportsCorruptionWhenNothingDecodes(t *testing.T) {
	t.Parallel()

	sink := newMemorySink()
	sink.data[1] = []byte("garbage")
	snap, err := NewManager(state.NewStore(), sink, 10, nil).LoadLatest(context.Background())
	if snap != nil || !errors.Is(err, ngerrors.ErrStateCorruption) {
		t.Fatalf("expected corruption error, got %#v %v", snap, err)
	}
}

func TestLoadLatestOnEmptySink(t *testing.T) {
	t.Parallel()

	m := NewManager(state.NewStore(), newMemorySink(), 10, nil)
	restored, err := m.RestoreLatest(context.Background())
	if err != nil || restored {
		t.Fatalf("empty sink should restore nothing: %v %v", restored, err)
	}
}

func TestWriteFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	sink := newMemorySink()
	sink.writeErr = errors.New("disk full")
	res, err := NewManager(seededStore(t), sink, 10, nil).Snapshot(context.Background(), TriggerEmergency)
	if !errors.Is(err, ngerrors.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var perr *ngerrors.PersistenceError
	if !errors.As(err, &perr) || perr.Op != "write snapshot" {
		t.Fatalf("unexpected error: %#v", err)
	}
	if res.Success {
		t.Fatalf("failed snapshot must not report success")
	}
}

func TestScheduledSnapshotSkippedWhileInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := newMemorySink()
	sink.entered = make(chan struct{})
	sink.release = make(chan struct{})
	m := NewManager(seededStore(t), sink, 10, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Snapshot(ctx, TriggerEmergency)
		done <- err
	}()
	<-sink.entered

	if _, err := m.Snapshot(ctx, TriggerScheduled); !errors.Is(err, ngerrors.ErrSnapshotInFlight) {
		t.Fatalf("expected scheduled snapshot to be skipped, got %v", err)
	}

	close(sink.release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight snapshot failed: %v", err)
	}
	sink.entered = nil
	if _, err := m.Snapshot(ctx, TriggerScheduled); err != nil {
		t.Fatalf("scheduled snapshot after completion: %v", err)
	}
}

func TestUnknownTriggerIsRejected(t *testing.T) {
	t.Parallel()

	_, err := NewManager(state.NewStore(), newMemorySink(), 10, nil).Snapshot(context.Background(), Trigger("hourly"))
	if !errors.Is(err, ngerrors.ErrInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeMigratesUnversionedLayout(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"seq":3,"trigger":"manual","users":[{"user_id":5,"spam_score":12,"restriction":{"status":"warned"}}]}`)
	snap, err := decode("legacy", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.FormatVersion != FormatVersion || len(snap.Payload.Users) != 1 || snap.Payload.Users[0].UserID != 5 {
		t.Fatalf("unexpected migrated snapshot: %#v", snap)
	}
}

func TestDecodeRejectsNewerFormat(t *testing.T) {
	t.Parallel()

	_, err := decode("future", []byte(`{"format_version":99,"payload":{}}`))
	if !errors.Is(err, ngerrors.ErrStateCorruption) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestSQLiteSink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink, err := NewSQLiteSink(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("sqlite sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	m := NewManager(seededStore(t), sink, 2, nil)
	for i := 0; i < 3; i++ {
		if _, err := m.Snapshot(ctx, TriggerManual); err != nil {
			t.Fatalf("snapshot %d: %v", i+1, err)
		}
	}
	metas, err := sink.List(ctx)
	if err != nil || len(metas) != 2 || metas[0].Seq != 2 {
		t.Fatalf("unexpected catalog after rotation: %#v %v", metas, err)
	}
	if last, err := sink.LastWritten(ctx); err != nil || last != 3 {
		t.Fatalf("unexpected last written: %d %v", last, err)
	}

	dst := state.NewStore()
	if restored, err := NewManager(dst, sink, 2, nil).RestoreLatest(ctx); err != nil || !restored {
		t.Fatalf("restore: %v %v", restored, err)
	}
	if dst.Len() != 3 {
		t.Fatalf("unexpected restored users: %d", dst.Len())
	}

	if err := sink.Delete(ctx, []int64{2, 3}); err != nil {
		t.Fatalf("empty catalog: %v", err)
	}
	res, err := NewManager(seededStore(t), sink, 2, nil).Snapshot(ctx, TriggerManual)
	if err != nil || res.Seq != 4 {
		t.Fatalf("sequence should continue from the recorded seq, got %d %v", res.Seq, err)
	}
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		wantOK    bool
		wantWrite int
	}{
		{name: "recovers", failures: 2, wantOK: true, wantWrite: 3},
		{name: "gives up", failures: 5, wantOK: false, wantWrite: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := newMemorySink()
			sink.failures = tt.failures
			m := NewManager(seededStore(t), sink, 5, nil)
			m.SetRetry(RetryOptions{
				MaxRetries:      2,
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
				MaxElapsedTime:  time.Second,
			})

			res, err := m.Snapshot(context.Background(), TriggerEmergency)
			if tt.wantOK != (err == nil) || res.Success != tt.wantOK {
				t.Fatalf("unexpected outcome: %#v %v", res, err)
			}
			if !tt.wantOK && !errors.Is(err, ngerrors.ErrPersistence) {
				t.Fatalf("expected persistence error, got %v", err)
			}
			sink.mu.Lock()
			defer sink.mu.Unlock()
			if sink.writes != tt.wantWrite {
				t.Fatalf("expected %d writes, got %d", tt.wantWrite, sink.writes)
			}
		})
	}
}

func TestLandedFailedWriteDoesNotWedgeSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		retries uint64
		wantSeq []int64
	}{
		{name: "without retries", retries: 0, wantSeq: []int64{2, 3, 4}},
		{name: "with retries", retries: 2, wantSeq: []int64{2, 3, 4}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			sink := newMemorySink()
			sink.landed = 1
			m := NewManager(seededStore(t), sink, 10, nil)
			if tt.retries > 0 {
				m.SetRetry(RetryOptions{
					MaxRetries:      tt.retries,
					InitialInterval: time.Millisecond,
					MaxInterval:     5 * time.Millisecond,
					MaxElapsedTime:  time.Second,
				})
			}

			got := []int64{}
			if tt.retries == 0 {
				if _, err := m.Snapshot(ctx, TriggerManual); !errors.Is(err, ngerrors.ErrPersistence) {
					t.Fatalf("expected persistence error, got %v", err)
				}
			}
			for len(got) < 3 {
				res, err := m.Snapshot(ctx, TriggerEmergency)
				if err != nil || !res.Success {
					t.Fatalf("snapshot after landed failure: %#v %v", res, err)
				}
				got = append(got, res.Seq)
			}
			for i, seq := range tt.wantSeq {
				if got[i] != seq {
					t.Fatalf("expected sequences %v, got %v", tt.wantSeq, got)
				}
			}
		})
	}
}
