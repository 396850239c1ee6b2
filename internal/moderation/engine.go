package moderation

import (
	"context"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iamwavecut/ngguard/internal/backup"
	"github.com/iamwavecut/ngguard/internal/config"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/event"
	"github.com/iamwavecut/ngguard/internal/observability"
	"github.com/iamwavecut/ngguard/internal/ratelimit"
	"github.com/iamwavecut/ngguard/internal/spam"
	"github.com/iamwavecut/ngguard/internal/state"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionWarned Action = "warned"
	ActionMuted  Action = "muted"
	ActionBanned Action = "banned"
)

const (
	ReasonRateLimit = "rate_limit"
	ReasonDisabled  = "moderation disabled"
)

// Message is a single observed chat message. GroupID is zero for direct messages.
type Message struct {
	UserID  int64
	GroupID int64
	Text    string
	Time    time.Time
}

// Decision tells the transport what to do with a message. The engine never replies itself.
type Decision struct {
	Permit     bool
	Action     Action
	Reason     string
	Reasons    []string
	RetryAfter time.Duration
	Score      float64
}

// Snapshotter is the part of the backup manager the engine depends on.
type Snapshotter interface {
	Snapshot(ctx context.Context, trigger backup.Trigger) (backup.Result, error)
}

type Engine struct {
	cfg      config.Moderation
	store    *state.Store
	limiter  *ratelimit.Limiter
	detector *spam.Detector
	backup   Snapshotter
	metrics  *observability.Metrics
	events   *event.Bus
	now      func() time.Time
}

func NewEngine(
	cfg config.Moderation,
	store *state.Store,
	limiter *ratelimit.Limiter,
	detector *spam.Detector,
	snapshotter Snapshotter,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		detector: detector,
		backup:   snapshotter,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetEventBus makes every logged transition available to bus subscribers.
func (e *Engine) SetEventBus(bus *event.Bus) {
	e.events = bus
}

func (e *Engine) getLogEntry() *log.Entry {
	return log.WithField("context", "moderation")
}

func (e *Engine) startSpan(ctx context.Context, name string, userID int64) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, "moderation."+name, trace.WithAttributes(
		attribute.Int64("user_id", userID),
	))
}

// OnMessage scores a message and applies any resulting transition atomically for the user.
func (e *Engine) OnMessage(ctx context.Context, msg Message) (Decision, error) {
	_, span := e.startSpan(ctx, "OnMessage", msg.UserID)
	defer span.End()
	done := e.metrics.StartMessageProcessing()

	if msg.UserID == 0 {
		done("invalid")
		return Decision{}, ngerrors.Invalid("user_id", "must be set")
	}
	if msg.Time.IsZero() {
		msg.Time = e.now()
	}
	now := msg.Time

	if msg.GroupID != state.DirectGroupID {
		if !e.store.GroupEnabled(msg.GroupID) {
			done("disabled")
			return Decision{Permit: true, Action: ActionNone, Reason: ReasonDisabled}, nil
		}
		e.store.TouchGroup(msg.GroupID, now)
	}

	var d Decision
	err := e.store.Update(msg.UserID, now, func(rec *state.UserRecord) error {
		d = e.onMessageLocked(rec, msg, now)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		done("error")
		return Decision{}, err
	}

	span.SetAttributes(attribute.String("action", string(d.Action)), attribute.Bool("permit", d.Permit))
	e.metrics.RecordDecision(string(d.Action))
	for _, r := range d.Reasons {
		if r != ReasonRateLimit {
			e.metrics.RecordSpamDetection(r)
		}
	}
	done("ok")
	return d, nil
}

func (e *Engine) onMessageLocked(rec *state.UserRecord, msg Message, now time.Time) Decision {
	rec.LastSeen = now
	rec.MessageCount++
	if msg.GroupID != state.DirectGroupID {
		rec.LastGroupID = msg.GroupID
	}
	e.expireLocked(rec, now)

	if rec.Restriction.Status == state.StatusBanned && rec.Restriction.Restricts(now) {
		return Decision{
			Action:     ActionNone,
			Reason:     string(state.StatusBanned),
			Reasons:    []string{},
			RetryAfter: rec.Restriction.Remaining(now),
			Score:      rec.SpamScore,
		}
	}
	e.decayLocked(rec, now)

	res := e.detector.Evaluate(rec, msg.Text, now)
	verdict := ratelimit.Verdict{Allowed: true}
	if !rec.IsWhitelisted {
		verdict = e.limiter.Apply(rec, ratelimit.KindMessage, now)
	}
	e.detector.Remember(rec, msg.Text, now)

	delta := res.Delta
	reasons := res.Reasons
	if !verdict.Allowed {
		e.metrics.RecordRateDenial(string(ratelimit.KindMessage))
		delta += e.cfg.RateViolationDelta
		reasons = append(reasons, ReasonRateLimit)
	}

	action := ActionNone
	if !rec.Bypasses() && delta > 0 {
		rec.AddScore(delta, now)
		action = e.escalateLocked(rec, now, msg.GroupID, strings.Join(reasons, ","))
	}

	d := Decision{
		Permit:     verdict.Allowed && !rec.Restriction.Restricts(now),
		Action:     action,
		Reasons:    reasons,
		RetryAfter: verdict.RetryAfter,
		Score:      rec.SpamScore,
	}
	if remaining := rec.Restriction.Remaining(now); remaining > d.RetryAfter {
		d.RetryAfter = remaining
	}
	d.Reason = strings.Join(reasons, ",")
	if d.Reason == "" && rec.Restriction.Restricts(now) {
		d.Reason = string(rec.Restriction.Status)
	}
	return d
}

// OnAPICall applies the api_call limit. A denial adds the rate-violation delta like a message denial.
func (e *Engine) OnAPICall(ctx context.Context, userID int64, now time.Time) (Decision, error) {
	_, span := e.startSpan(ctx, "OnAPICall", userID)
	defer span.End()

	if userID == 0 {
		return Decision{}, ngerrors.Invalid("user_id", "must be set")
	}
	var d Decision
	err := e.store.Update(userID, now, func(rec *state.UserRecord) error {
		rec.LastSeen = now
		e.expireLocked(rec, now)
		if rec.Restriction.Status == state.StatusBanned && rec.Restriction.Restricts(now) {
			d = Decision{Action: ActionNone, Reason: string(state.StatusBanned), RetryAfter: rec.Restriction.Remaining(now), Score: rec.SpamScore}
			return nil
		}
		if rec.IsWhitelisted {
			d = Decision{Permit: true, Action: ActionNone, Score: rec.SpamScore}
			return nil
		}
		e.decayLocked(rec, now)
		verdict := e.limiter.Apply(rec, ratelimit.KindAPICall, now)
		d = Decision{Permit: verdict.Allowed, Action: ActionNone, RetryAfter: verdict.RetryAfter}
		if !verdict.Allowed {
			e.metrics.RecordRateDenial(string(ratelimit.KindAPICall))
			d.Reason = ReasonRateLimit
			d.Reasons = []string{ReasonRateLimit}
			if !rec.Bypasses() && e.cfg.RateViolationDelta > 0 {
				rec.AddScore(e.cfg.RateViolationDelta, now)
				d.Action = e.escalateLocked(rec, now, state.DirectGroupID, ReasonRateLimit)
			}
		}
		d.Score = rec.SpamScore
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}
	return d, nil
}

// decayLocked lowers the score linearly with the time since it last changed.
func (e *Engine) decayLocked(rec *state.UserRecord, now time.Time) {
	if e.cfg.ScoreDecayPerHour <= 0 || rec.ScoreUpdatedAt.IsZero() || rec.SpamScore == 0 {
		return
	}
	elapsed := now.Sub(rec.ScoreUpdatedAt)
	if elapsed <= 0 {
		return
	}
	rec.SpamScore = math.Max(0, rec.SpamScore-e.cfg.ScoreDecayPerHour*elapsed.Hours())
	rec.ScoreUpdatedAt = now
}
