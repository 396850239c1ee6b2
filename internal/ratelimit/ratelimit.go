package ratelimit

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/config"
	"github.com/iamwavecut/ngguard/internal/state"
)

// Kind is the action class a limit applies to.
type Kind string

const (
	KindMessage Kind = "message"
	KindAPICall Kind = "api_call"
)

type window struct {
	name   string
	period time.Duration
	limit  int
}

// Verdict is the outcome of a single check. A denial is a normal outcome, not an error.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
	// Violation is set when this check counted a new breach.
	Violation bool
	Window    string
}

type Usage struct {
	MessagesLastMinute int
	MessagesLastHour   int
	APICallsLastMinute int
	ViolationCount     int
	CooldownRemaining  time.Duration
}

type Limiter struct {
	cfg     config.RateLimit
	store   *state.Store
	windows map[Kind][]window
}

func New(cfg config.RateLimit, store *state.Store) *Limiter {
	return &Limiter{
		cfg:   cfg,
		store: store,
		windows: map[Kind][]window{
			KindMessage: {
				{name: "minute", period: time.Minute, limit: cfg.MessagesPerMinute},
				{name: "hour", period: time.Hour, limit: cfg.MessagesPerHour},
			},
			KindAPICall: {
				{name: "minute", period: time.Minute, limit: cfg.APICallsPerMinute},
			},
		},
	}
}

// Check applies the limit for kind to the user, locking the user's record for the duration.
func (l *Limiter) Check(userID int64, kind Kind, now time.Time) (Verdict, error) {
	var v Verdict
	err := l.store.Update(userID, now, func(rec *state.UserRecord) error {
		v = l.Apply(rec, kind, now)
		return nil
	})
	return v, err
}

// Apply is Check for callers already holding the user's record.
func (l *Limiter) Apply(rec *state.UserRecord, kind Kind, now time.Time) Verdict {
	windows, ok := l.windows[kind]
	if !ok {
		return Verdict{Allowed: true}
	}
	l.Prune(rec, now)

	if now.Before(rec.CooldownUntil) {
		return Verdict{RetryAfter: rec.CooldownUntil.Sub(now), Window: "cooldown"}
	}

	stamps := l.timestamps(rec, kind)
	for _, w := range windows {
		if count(*stamps, now.Add(-w.period)) < w.limit {
			continue
		}
		rec.ViolationCount++
		cooldown := l.Cooldown(rec.ViolationCount)
		rec.CooldownUntil = now.Add(cooldown)
		log.WithFields(log.Fields{
			"context":    "ratelimit",
			"user_id":    rec.UserID,
			"kind":       kind,
			"window":     w.name,
			"violations": rec.ViolationCount,
			"cooldown":   cooldown.String(),
		}).Warn("rate limit exceeded")
		return Verdict{RetryAfter: cooldown, Violation: true, Window: w.name}
	}

	*stamps = append(*stamps, now)
	return Verdict{Allowed: true}
}

// Cooldown is BaseCooldown*2^min(violations, CooldownCap), saturating at the longest Duration.
func (l *Limiter) Cooldown(violations int) time.Duration {
	exp := violations
	if exp > l.cfg.CooldownCap {
		exp = l.cfg.CooldownCap
	}
	if exp < 0 {
		exp = 0
	}
	if exp >= 63 || l.cfg.BaseCooldown > time.Duration(math.MaxInt64>>uint(exp)) {
		return time.Duration(math.MaxInt64)
	}
	return l.cfg.BaseCooldown << uint(exp)
}

// Prune drops timestamps older than the widest window of their kind.
func (l *Limiter) Prune(rec *state.UserRecord, now time.Time) {
	rec.MessageTimestamps = prune(rec.MessageTimestamps, now.Add(-l.widest(KindMessage)))
	rec.APICallTimestamps = prune(rec.APICallTimestamps, now.Add(-l.widest(KindAPICall)))
}

// Reset clears every limiter trace from the record, violation count included.
func (l *Limiter) Reset(rec *state.UserRecord) {
	rec.MessageTimestamps = []time.Time{}
	rec.APICallTimestamps = []time.Time{}
	rec.CooldownUntil = time.Time{}
	rec.ViolationCount = 0
}

func (l *Limiter) Usage(rec *state.UserRecord, now time.Time) Usage {
	u := Usage{
		MessagesLastMinute: count(rec.MessageTimestamps, now.Add(-time.Minute)),
		MessagesLastHour:   count(rec.MessageTimestamps, now.Add(-time.Hour)),
		APICallsLastMinute: count(rec.APICallTimestamps, now.Add(-time.Minute)),
		ViolationCount:     rec.ViolationCount,
	}
	if now.Before(rec.CooldownUntil) {
		u.CooldownRemaining = rec.CooldownUntil.Sub(now)
	}
	return u
}

func (l *Limiter) widest(kind Kind) time.Duration {
	var d time.Duration
	for _, w := range l.windows[kind] {
		if w.period > d {
			d = w.period
		}
	}
	return d
}

func (l *Limiter) timestamps(rec *state.UserRecord, kind Kind) *[]time.Time {
	if kind == KindAPICall {
		return &rec.APICallTimestamps
	}
	return &rec.MessageTimestamps
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func count(stamps []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range stamps {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
