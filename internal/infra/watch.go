package infra

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const checkExecInterval = 5 * time.Second

// WatchFile signals every time the modification time of path changes.
// The channel is closed once ctx is done or the file cannot be resolved at start.
func WatchFile(ctx context.Context, path string, interval time.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)
	entry := log.WithField("context", "watch").WithField("path", path)
	go func() {
		defer close(ch)

		stat, err := os.Stat(path)
		if err != nil {
			entry.WithError(err).Warn("cant stat file for watch")
			return
		}
		lastMod := stat.ModTime()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat, err := os.Stat(path)
				if err != nil {
					entry.WithError(err).Debug("cant stat file for watch tick")
					continue
				}
				if lastMod.Equal(stat.ModTime()) {
					continue
				}
				lastMod = stat.ModTime()
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

// MonitorExecutable signals when the running binary is replaced on disk.
func MonitorExecutable(ctx context.Context) <-chan struct{} {
	exeFilename, err := os.Executable()
	if err != nil {
		log.WithError(err).Warn("cant resolve executable path for monitor")
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return WatchFile(ctx, exeFilename, checkExecInterval)
}
