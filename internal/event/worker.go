package event

import (
	"context"
	"time"

	"github.com/iamwavecut/ngguard/internal/infra"
)

func (b *Bus) Start(ctx context.Context) error {
	b.runMutex.Lock()
	defer b.runMutex.Unlock()
	if b.started {
		return nil
	}
	b.stop = make(chan struct{})
	stop := b.stop

	b.workersWg.Add(1)
	go func() {
		defer b.workersWg.Done()
		b.getLogEntry().Trace("events runner go")
		for {
			select {
			case <-stop:
				b.drain()
				return
			case ev := <-b.q:
				b.dispatch(ev, time.Now())
			}
		}
	}()

	b.started = true
	return nil
}

// Stop delivers whatever is still queued and waits for the worker, bounded by ctx.
func (b *Bus) Stop(ctx context.Context) error {
	b.runMutex.Lock()
	if !b.started {
		b.runMutex.Unlock()
		return nil
	}
	b.started = false
	close(b.stop)
	b.runMutex.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.workersWg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		b.getLogEntry().Info("shutting down event worker")
		return nil
	}
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.q:
			b.dispatch(ev, time.Now())
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event, now time.Time) {
	if ev.Expired(now) {
		return
	}
	for _, h := range b.handlers(ev.Type) {
		err := infra.Recover("event:"+ev.Type, func() error {
			h(ev)
			return nil
		})
		if err != nil {
			b.getLogEntry().WithField("type", ev.Type).WithField("error", err.Error()).Error("event handler failed")
		}
	}
}
