package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runtime starts components in registration order and stops them in reverse.
type Runtime struct {
	components  []Component
	stopTimeout time.Duration
}

func NewRuntime(components ...Component) *Runtime {
	return &Runtime{components: components, stopTimeout: 10 * time.Second}
}

func (r *Runtime) getLogEntry() *log.Entry {
	return log.WithField("context", "runtime")
}

func (r *Runtime) Register(component Component) {
	if component == nil {
		return
	}
	r.components = append(r.components, component)
}

// SetStopTimeout bounds how long Run waits for components to stop.
func (r *Runtime) SetStopTimeout(d time.Duration) {
	r.stopTimeout = d
}

func (r *Runtime) Start(ctx context.Context) error {
	started := make([]Component, 0, len(r.components))
	for _, component := range r.components {
		if component == nil {
			continue
		}
		if err := component.Start(ctx); err != nil {
			_ = stopComponents(ctx, started)
			return fmt.Errorf("start component: %w", err)
		}
		started = append(started, component)
	}
	r.getLogEntry().WithField("components", len(started)).Info("runtime started")
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	err := stopComponents(ctx, r.components)
	entry := r.getLogEntry()
	if err != nil {
		entry.WithField("error", err.Error()).Warn("runtime stopped with errors")
	} else {
		entry.Info("runtime stopped")
	}
	return err
}

// Run starts every component, blocks until ctx is done and then stops them within the stop timeout.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

func stopComponents(ctx context.Context, components []Component) error {
	var stopErr error
	for i := len(components) - 1; i >= 0; i-- {
		component := components[i]
		if component == nil {
			continue
		}
		if err := component.Stop(ctx); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop component: %w", err))
		}
	}
	return stopErr
}
