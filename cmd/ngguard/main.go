package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/ngguard/internal/backup"
	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/infra"
	"github.com/iamwavecut/ngguard/internal/lifecycle"
	"github.com/iamwavecut/ngguard/internal/moderation"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/ratelimit"
	"github.com/iamwavecut/ngguard/internal/spam"
	"github.com/iamwavecut/ngguard/internal/state"
)

const (
	patternsWatchInterval = 10 * time.Second
	eventTTL              = time.Hour
)

var errExecutableReplaced = errors.New("executable file was modified")

func main() {
	log.SetFormatter(&config.NbFormatter{})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, errExecutableReplaced) {
		log.WithError(err).Fatalln("exiting")
	}
	log.Infoln("bye")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing := observability.InitTracing()
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("cant shutdown tracing")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	backupDir, err := infra.GetWorkDir(cfg.Backup.Dir)
	if err != nil {
		return err
	}
	sink, err := openSink(ctx, cfg.Backup.Driver, backupDir)
	if err != nil {
		return err
	}
	if closer, ok := sink.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	store := state.NewStore()
	manager := backup.NewManager(store, sink, cfg.Backup.Retention, metrics)
	manager.SetRetry(backup.RetryOptions{
		MaxRetries:      uint64(cfg.Backup.WriteRetries),
		InitialInterval: cfg.Backup.RetryInterval,
		MaxInterval:     8 * cfg.Backup.RetryInterval,
		MaxElapsedTime:  time.Minute,
	})
	restored, err := manager.RestoreLatest(ctx)
	if err != nil {
		log.WithError(err).Error("cant restore state, starting empty")
	} else if restored {
		log.WithField("users", store.Len()).Info("state restored")
	}

	patterns, err := spam.LoadPatterns(cfg.Spam.PatternsFile)
	if err != nil {
		return err
	}
	detector := spam.New(cfg.Spam, patterns)
	engine := moderation.NewEngine(cfg.Moderation, store, ratelimit.New(cfg.RateLimit, store), detector, manager, metrics)

	events := event.NewBus(0, eventTTL)
	events.Subscribe("*", func(ev event.Event) {
		log.WithFields(log.Fields{
			"context":  "transitions",
			"group_id": ev.GroupID,
			"user_id":  ev.Entry.TargetID,
			"action":   ev.Type,
		}).Debug("transition published")
	})
	engine.SetEventBus(events)

	runtime := lifecycle.NewRuntime(
		events,
		observability.NewServer(cfg.MetricsAddr, registry),
		backup.NewScheduler(manager, cfg.Backup.Interval),
		moderation.NewSweeper(engine, cfg.Moderation.SweepInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Run(gctx)
	})
	g.Go(func() error {
		if cfg.Spam.PatternsFile == "" {
			return nil
		}
		for range infra.WatchFile(gctx, cfg.Spam.PatternsFile, patternsWatchInterval) {
			set, err := spam.LoadPatterns(cfg.Spam.PatternsFile)
			if err != nil {
				log.WithError(err).Warn("cant reload spam patterns, keeping previous set")
				continue
			}
			detector.SetPatterns(set)
			log.WithField("patterns", len(set.Patterns)).Info("spam patterns reloaded")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case _, ok := <-infra.MonitorExecutable(gctx):
			if !ok {
				<-gctx.Done()
				return nil
			}
			log.Errorln("executable file was modified")
			return errExecutableReplaced
		}
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if res, err := engine.BackupNow(shutdownCtx); err != nil {
		log.WithError(err).Error("cant take shutdown snapshot")
	} else {
		log.WithField("seq", res.Seq).WithField("path", res.Path).Info("shutdown snapshot written")
	}
	return runErr
}

func openSink(ctx context.Context, driver, dir string) (backup.Sink, error) {
	switch driver {
	case "file":
		return backup.NewFileSink(dir)
	case "sqlite":
		return backup.NewSQLiteSink(ctx, dir)
	default:
		return nil, fmt.Errorf("unknown backup driver %q", driver)
	}
}
