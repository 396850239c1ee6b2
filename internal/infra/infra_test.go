package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGetWorkDirCreatesNestedDirs(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dir, err := GetWorkDir(base, "backups", "daily")
	if err != nil {
		t.Fatalf("get work dir: %v", err)
	}
	if dir != filepath.Join(base, "backups", "daily") {
		t.Fatalf("unexpected dir: %s", dir)
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
}

func TestRecoverTurnsPanicIntoError(t *testing.T) {
	t.Parallel()

	err := Recover("boom", func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "job boom panicked") {
		t.Fatalf("expected panic error, got %v", err)
	}

	want := errors.New("plain")
	if err := Recover("plain", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("errors must pass through, got %v", err)
	}
}

func TestWatchFileSignalsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "patterns.yml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := WatchFile(ctx, path, 10*time.Millisecond)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before change was seen")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("change not detected")
	}

	cancel()
	for range ch {
	}
}

func TestWatchFileClosesForMissingFile(t *testing.T) {
	t.Parallel()

	ch := WatchFile(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Millisecond)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("unexpected signal")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}
}
