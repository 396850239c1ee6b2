package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/iamwavecut/tool"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/lifecycle"
	"github.com/iamwavecut/ngguard/internal/ratelimit"
	"github.com/iamwavecut/ngguard/internal/state"
)

// StatusReport is the user status query result.
type StatusReport struct {
	UserID        int64
	Status        state.Status
	Until         time.Time
	Permanent     bool
	ByAdmin       bool
	Score         float64
	Usage         ratelimit.Usage
	WarnCount     int
	BanCount      int
	MessageCount  int
	IsVerified    bool
	IsWhitelisted bool
	FirstSeen     time.Time
	LastSeen      time.Time
}

func (r StatusReport) String() string {
	return tool.ExecTemplate(`user {{ .user_id }}: {{ .status }}{{ if .permanent }} (permanent){{ else if .until }} until {{ .until }}{{ end }}, `+
		`score {{ printf "%.1f" .score }}, messages {{ .minute }}/min {{ .hour }}/h, violations {{ .violations }}`+
		`{{ if .cooldown }}, cooldown {{ .cooldown }}{{ end }}{{ if .whitelisted }}, whitelisted{{ end }}{{ if .verified }}, verified{{ end }}`,
		map[string]any{
			"user_id":     r.UserID,
			"status":      r.Status,
			"permanent":   r.Permanent,
			"until":       untilString(r.Until),
			"score":       r.Score,
			"minute":      r.Usage.MessagesLastMinute,
			"hour":        r.Usage.MessagesLastHour,
			"violations":  r.Usage.ViolationCount,
			"cooldown":    durationString(r.Usage.CooldownRemaining),
			"whitelisted": r.IsWhitelisted,
			"verified":    r.IsVerified,
		})
}

func untilString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Second).String()
}

// Status reports the user's current state, clearing expired restrictions first.
func (e *Engine) Status(ctx context.Context, userID int64) (StatusReport, error) {
	_, span := e.startSpan(ctx, "Status", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return StatusReport{}, err
	}
	now := e.now()
	var report StatusReport
	found, err := e.store.Modify(userID, now, func(rec *state.UserRecord) error {
		e.expireLocked(rec, now)
		e.limiter.Prune(rec, now)
		e.decayLocked(rec, now)
		report = StatusReport{
			UserID:        rec.UserID,
			Status:        rec.Restriction.Status,
			Until:         rec.Restriction.Until,
			Permanent:     rec.Restriction.Permanent,
			ByAdmin:       rec.Restriction.ByAdmin,
			Score:         rec.SpamScore,
			Usage:         e.limiter.Usage(rec, now),
			WarnCount:     rec.WarnCount,
			BanCount:      rec.BanCount,
			MessageCount:  rec.MessageCount,
			IsVerified:    rec.IsVerified,
			IsWhitelisted: rec.IsWhitelisted,
			FirstSeen:     rec.FirstSeen,
			LastSeen:      rec.LastSeen,
		}
		return nil
	})
	if err != nil {
		return StatusReport{}, err
	}
	if !found {
		return StatusReport{}, &ngerrors.NotFoundError{UserID: userID}
	}
	return report, nil
}

// Sweep expires restrictions and prunes stale history for every known user.
// It returns how many restrictions expired.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for _, id := range e.store.UserIDs() {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, err := e.store.Modify(id, now, func(rec *state.UserRecord) error {
			if e.expireLocked(rec, now) {
				expired++
			}
			e.limiter.Prune(rec, now)
			e.detector.Prune(rec, now)
			return nil
		})
		if err != nil {
			e.getLogEntry().WithField("user_id", id).WithField("error", err.Error()).Warn("sweep failed for user")
		}
	}
	if expired > 0 {
		e.getLogEntry().WithField("expired", expired).Info("sweep expired restrictions")
	}
	return expired, nil
}

// NewSweeper runs Sweep every interval.
func NewSweeper(e *Engine, interval time.Duration) *lifecycle.Periodic {
	return lifecycle.NewPeriodic("expiry_sweeper", interval, func(ctx context.Context) error {
		_, err := e.Sweep(ctx, e.now())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
