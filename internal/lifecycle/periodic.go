package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/infra"
)

// Periodic runs job every interval between Start and Stop. Ticks never overlap:
// a job that outlives its interval delays the next tick. A panicking job is logged and retried next tick.
type Periodic struct {
	name     string
	interval time.Duration
	job      func(ctx context.Context) error

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

func NewPeriodic(name string, interval time.Duration, job func(ctx context.Context) error) *Periodic {
	return &Periodic{name: name, interval: interval, job: job}
}

func (p *Periodic) Start(ctx context.Context) error {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel

	p.workersWg.Add(1)
	go func() {
		defer p.workersWg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				err := infra.Recover(p.name, func() error { return p.job(runCtx) })
				if err != nil && !errors.Is(err, context.Canceled) {
					log.WithField("context", p.name).WithField("error", err.Error()).Error("periodic job failed")
				}
			}
		}
	}()

	p.started = true
	return nil
}

func (p *Periodic) Stop(ctx context.Context) error {
	p.runMutex.Lock()
	if !p.started {
		p.runMutex.Unlock()
		return nil
	}
	p.started = false
	cancel := p.runCancel
	p.runMutex.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.workersWg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
