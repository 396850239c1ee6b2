package state

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestUpdateCreatesRecordOnFirstSight(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Unix(1700000000, 0)
	if s.Get(7) != nil {
		t.Fatalf("unexpected record before first update")
	}
	if err := s.Update(7, now, func(rec *UserRecord) error {
		rec.MessageCount++
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec := s.Get(7)
	if rec == nil || rec.MessageCount != 1 || rec.Restriction.Status != StatusClean {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if !rec.FirstSeen.Equal(now) {
		t.Fatalf("unexpected first seen: %s", rec.FirstSeen)
	}
}

func TestModifySkipsUnknownUsers(t *testing.T) {
	t.Parallel()

	s := NewStore()
	called := false
	found, err := s.Modify(99, time.Now(), func(rec *UserRecord) error {
		called = true
		return nil
	})
	if err != nil || found || called {
		t.Fatalf("unexpected modify result: found=%v called=%v err=%v", found, called, err)
	}
	if s.Len() != 0 {
		t.Fatalf("modify must not create records")
	}
}

func TestUpdateSerializesPerUser(t *testing.T) {
	t.Parallel()

	s := NewStore()
	const (
		users      = 16
		goroutines = 8
		iterations = 500
	)

	var wg sync.WaitGroup
	for u := int64(1); u <= users; u++ {
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(userID int64) {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					_ = s.Update(userID, time.Now(), func(rec *UserRecord) error {
						rec.MessageCount++
						return nil
					})
				}
			}(u)
		}
	}
	wg.Wait()

	for u := int64(1); u <= users; u++ {
		if got := s.Get(u).MessageCount; got != goroutines*iterations {
			t.Fatalf("user %d: lost updates, got %d want %d", u, got, goroutines*iterations)
		}
	}
}

func TestUpdateConfinesPanicsToTheCall(t *testing.T) {
	t.Parallel()

	s := NewStore()
	err := s.Update(5, time.Now(), func(rec *UserRecord) error {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	if err := s.Update(5, time.Now(), func(rec *UserRecord) error { return nil }); err != nil {
		t.Fatalf("record should stay usable after panic: %v", err)
	}
	if err := s.Update(6, time.Now(), func(rec *UserRecord) error { return nil }); err != nil {
		t.Fatalf("other users must be unaffected: %v", err)
	}
}

func TestUpdateReturnsCallbackError(t *testing.T) {
	t.Parallel()

	s := NewStore()
	want := errors.New("nope")
	if err := s.Update(1, time.Now(), func(rec *UserRecord) error { return want }); !errors.Is(err, want) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHealRepairsMalformedRecords(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		rec  *UserRecord
		want Status
	}{
		{name: "unknown status", rec: &UserRecord{UserID: 1, Restriction: Restriction{Status: "frozen"}}, want: StatusClean},
		{name: "mute without deadline", rec: &UserRecord{UserID: 1, Restriction: Restriction{Status: StatusMuted}}, want: StatusWarned},
		{name: "timed ban without deadline", rec: &UserRecord{UserID: 1, Restriction: Restriction{Status: StatusBanned}}, want: StatusClean},
		{name: "permanent ban kept", rec: &UserRecord{UserID: 1, Restriction: Restriction{Status: StatusBanned, Permanent: true}}, want: StatusBanned},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !tt.rec.heal(1, now) {
				t.Fatalf("record should be repairable")
			}
			if tt.rec.Restriction.Status != tt.want {
				t.Fatalf("unexpected status: got %q want %q", tt.rec.Restriction.Status, tt.want)
			}
			if tt.rec.MessageTimestamps == nil || tt.rec.RecentMessages == nil {
				t.Fatalf("nil slices should be initialized")
			}
		})
	}

	negative := &UserRecord{UserID: 1, SpamScore: -4, ViolationCount: -1}
	negative.heal(1, now)
	if negative.SpamScore != 0 || negative.ViolationCount != 0 {
		t.Fatalf("negative counters should be clamped: %#v", negative)
	}
	if (&UserRecord{UserID: 2}).heal(1, now) {
		t.Fatalf("record of another user must be replaced")
	}
}

func TestForgetRemovesRecord(t *testing.T) {
	t.Parallel()

	s := NewStore()
	_ = s.Update(3, time.Now(), func(rec *UserRecord) error { return nil })
	if !s.Forget(3) {
		t.Fatalf("expected existing user to be forgotten")
	}
	if s.Forget(3) {
		t.Fatalf("second forget should report missing user")
	}
	if s.Get(3) != nil {
		t.Fatalf("record should be gone")
	}
}

func TestUpdateRacingForgetLandsOnLiveRecord(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now()
	_ = s.Update(4, now, func(rec *UserRecord) error { return nil })

	// hold the entry so the update below finds it and waits
	stale := s.lookup(4)
	stale.mu.Lock()

	done := make(chan error, 1)
	go func() {
		done <- s.Update(4, now, func(rec *UserRecord) error {
			rec.SpamScore = 42
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	sh := s.shardFor(4)
	sh.mu.Lock()
	stale.deleted = true
	delete(sh.users, 4)
	sh.mu.Unlock()
	stale.mu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("update: %v", err)
	}
	rec := s.Get(4)
	if rec == nil || rec.SpamScore != 42 {
		t.Fatalf("update after forget should create a fresh record, got %#v", rec)
	}
	if stale.rec.SpamScore != 0 {
		t.Fatalf("forgotten record must not be written")
	}
}

func TestModifyAfterRestoreSkipsReplacedEntries(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now()
	_ = s.Update(5, now, func(rec *UserRecord) error { return nil })
	stale := s.lookup(5)

	s.Restore(Data{}, now)
	found, err := s.Modify(5, now, func(rec *UserRecord) error {
		t.Fatalf("modify must not run for a user dropped by restore")
		return nil
	})
	if err != nil || found {
		t.Fatalf("unexpected modify result: %v %v", found, err)
	}
	if !stale.deleted {
		t.Fatalf("restore should retire replaced entries")
	}
}

func TestGroupLogIsAppendOnlyCopy(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Unix(1700000000, 0)
	first := s.AppendLog(-100, ActionEntry{ActorID: 0, TargetID: 1, Action: "warned", At: now})
	s.AppendLog(-100, ActionEntry{ActorID: 0, TargetID: 1, Action: "muted", At: now.Add(time.Second)})
	if first.ID == "" {
		t.Fatalf("entries must get an ID")
	}

	log := s.GroupLog(-100)
	if len(log) != 2 || log[0].Action != "warned" || log[1].Action != "muted" {
		t.Fatalf("unexpected log: %#v", log)
	}
	log[0].Action = "tampered"
	if s.GroupLog(-100)[0].Action != "warned" {
		t.Fatalf("log entries must be immutable from outside")
	}
}

func TestGroupEnabledDefaultsToTrue(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if !s.GroupEnabled(-1) {
		t.Fatalf("unknown groups should be enabled")
	}
	s.SetGroupEnabled(-1, false, time.Now())
	if s.GroupEnabled(-1) {
		t.Fatalf("group should be disabled")
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	src := NewStore()
	_ = src.Update(1, now, func(rec *UserRecord) error {
		rec.SpamScore = 42
		rec.ViolationCount = 2
		rec.Restriction = Restriction{Status: StatusMuted, Since: now, Until: now.Add(time.Hour)}
		return nil
	})
	_ = src.Update(2, now, func(rec *UserRecord) error { return nil })
	src.SetGroupEnabled(-5, false, now)
	src.AppendLog(-5, ActionEntry{TargetID: 1, Action: "muted", At: now})

	data := src.Export()
	dst := NewStore()
	_ = dst.Update(77, now, func(rec *UserRecord) error { return nil })
	if skipped := dst.Restore(data, now); skipped != 0 {
		t.Fatalf("unexpected skipped records: %d", skipped)
	}

	if dst.Get(77) != nil {
		t.Fatalf("restore should replace previous content")
	}
	rec := dst.Get(1)
	if rec == nil || rec.SpamScore != 42 || rec.ViolationCount != 2 || rec.Restriction.Status != StatusMuted {
		t.Fatalf("unexpected restored record: %#v", rec)
	}
	if dst.GroupEnabled(-5) {
		t.Fatalf("group flag should survive restore")
	}
	if len(dst.GroupLog(-5)) != 1 {
		t.Fatalf("group log should survive restore")
	}
}
