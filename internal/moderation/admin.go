package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iamwavecut/ngguard/internal/backup"
	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/state"
)

// Origin identifies who issued an admin command and where.
type Origin struct {
	ActorID int64
	GroupID int64
}

// Admin is the contract the command handler drives.
type Admin interface {
	Ban(ctx context.Context, o Origin, userID int64, days int) error
	Unban(ctx context.Context, o Origin, userID int64) error
	Mute(ctx context.Context, o Origin, userID int64, minutes int) error
	Unmute(ctx context.Context, o Origin, userID int64) error
	ResetLimit(ctx context.Context, o Origin, userID int64) error
	MarkSafe(ctx context.Context, o Origin, userID int64) error
	BackupNow(ctx context.Context) (backup.Result, error)
	SetGroupEnabled(ctx context.Context, o Origin, groupID int64, enabled bool) error
	SetWhitelisted(ctx context.Context, o Origin, userID int64, whitelisted bool) error
	ForgetUser(ctx context.Context, o Origin, userID int64) error
	BanMany(ctx context.Context, o Origin, userIDs []int64, days int) (int, error)
	Status(ctx context.Context, userID int64) (StatusReport, error)
}

var _ Admin = (*Engine)(nil)

func validUser(userID int64) error {
	if userID == 0 {
		return ngerrors.Invalid("user_id", "must be set")
	}
	return nil
}

// Ban bans the user for days, or permanently when days is zero.
func (e *Engine) Ban(ctx context.Context, o Origin, userID int64, days int) error {
	_, span := e.startSpan(ctx, "Ban", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	if days < 0 {
		return ngerrors.Invalid("days", "must not be negative")
	}
	now := e.now()
	return e.store.Update(userID, now, func(rec *state.UserRecord) error {
		e.banLocked(rec, o, days, now)
		return nil
	})
}

func (e *Engine) banLocked(rec *state.UserRecord, o Origin, days int, now time.Time) {
	r := state.Restriction{Status: state.StatusBanned, Since: now, ByAdmin: true}
	if days == 0 {
		r.Permanent = true
		r.Reason = "permanent ban by admin"
	} else {
		r.Until = now.Add(time.Duration(days) * 24 * time.Hour)
		r.Reason = fmt.Sprintf("banned by admin for %d days", days)
	}
	rec.Restriction = r
	e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logBanned, r.Reason, now)
}

// Unban lifts any ban. Unknown or unbanned users are left alone.
func (e *Engine) Unban(ctx context.Context, o Origin, userID int64) error {
	_, span := e.startSpan(ctx, "Unban", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	now := e.now()
	_, err := e.store.Modify(userID, now, func(rec *state.UserRecord) error {
		if rec.Restriction.Status != state.StatusBanned {
			return nil
		}
		rec.Restriction = state.Restriction{Status: state.StatusClean, Since: now, ByAdmin: true}
		rec.ClearScore(now)
		e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logUnbanned, "", now)
		return nil
	})
	return err
}

// Mute mutes the user for minutes. A banned user cannot be muted, the ban supersedes.
func (e *Engine) Mute(ctx context.Context, o Origin, userID int64, minutes int) error {
	_, span := e.startSpan(ctx, "Mute", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	if minutes <= 0 {
		return ngerrors.Invalid("minutes", "must be positive")
	}
	now := e.now()
	return e.store.Update(userID, now, func(rec *state.UserRecord) error {
		e.expireLocked(rec, now)
		if rec.Restriction.Status == state.StatusBanned {
			return ngerrors.Invalid("user_id", "user is banned")
		}
		reason := fmt.Sprintf("muted by admin for %d minutes", minutes)
		rec.Restriction = state.Restriction{
			Status:  state.StatusMuted,
			Since:   now,
			Until:   now.Add(time.Duration(minutes) * time.Minute),
			ByAdmin: true,
			Reason:  reason,
		}
		e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logMuted, reason, now)
		return nil
	})
}

// Unmute lifts a mute, leaving the user warned. Unknown or unmuted users are left alone.
func (e *Engine) Unmute(ctx context.Context, o Origin, userID int64) error {
	_, span := e.startSpan(ctx, "Unmute", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	now := e.now()
	_, err := e.store.Modify(userID, now, func(rec *state.UserRecord) error {
		if rec.Restriction.Status != state.StatusMuted {
			return nil
		}
		rec.Restriction = state.Restriction{Status: state.StatusWarned, Since: now, ByAdmin: true}
		e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logUnmuted, "", now)
		return nil
	})
	return err
}

// ResetLimit clears rate-limit history, cooldown, violations and duplicate tracking.
func (e *Engine) ResetLimit(ctx context.Context, o Origin, userID int64) error {
	_, span := e.startSpan(ctx, "ResetLimit", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	now := e.now()
	_, err := e.store.Modify(userID, now, func(rec *state.UserRecord) error {
		changed := rec.ViolationCount > 0 || !rec.CooldownUntil.IsZero() ||
			len(rec.MessageTimestamps) > 0 || len(rec.APICallTimestamps) > 0 || len(rec.RecentMessages) > 0
		e.limiter.Reset(rec)
		e.detector.Forget(rec)
		if changed {
			e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logLimitReset, "", now)
		}
		return nil
	})
	return err
}

// MarkSafe clears the score and any restriction and marks the user verified.
// A permanent ban issued by an admin is kept; only another admin unban lifts it.
func (e *Engine) MarkSafe(ctx context.Context, o Origin, userID int64) error {
	_, span := e.startSpan(ctx, "MarkSafe", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	now := e.now()
	_, err := e.store.Modify(userID, now, func(rec *state.UserRecord) error {
		r := rec.Restriction
		keepBan := r.Status == state.StatusBanned && r.Permanent && r.ByAdmin
		changed := rec.SpamScore > 0 || !rec.IsVerified || (!keepBan && r.Status != state.StatusClean)

		rec.ClearScore(now)
		rec.IsVerified = true
		reason := ""
		if keepBan {
			reason = "admin permanent ban kept"
		} else {
			rec.Restriction = state.Restriction{Status: state.StatusClean, Since: now, ByAdmin: true}
		}
		if changed {
			e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logMarkedSafe, reason, now)
		}
		return nil
	})
	return err
}

func (e *Engine) BackupNow(ctx context.Context) (backup.Result, error) {
	ctx, span := e.startSpan(ctx, "BackupNow", 0)
	defer span.End()

	if e.backup == nil {
		return backup.Result{}, ngerrors.Persistence("manual snapshot", errors.New("backups are not configured"))
	}
	return e.backup.Snapshot(ctx, backup.TriggerManual)
}

func (e *Engine) SetGroupEnabled(ctx context.Context, o Origin, groupID int64, enabled bool) error {
	_, span := e.startSpan(ctx, "SetGroupEnabled", 0)
	defer span.End()
	span.SetAttributes(attribute.Int64("group_id", groupID), attribute.Bool("enabled", enabled))

	if groupID == state.DirectGroupID {
		return ngerrors.Invalid("group_id", "must be a group")
	}
	now := e.now()
	if e.store.GroupEnabled(groupID) == enabled && e.store.Group(groupID) != nil {
		return nil
	}
	e.store.SetGroupEnabled(groupID, enabled, now)
	action := logGroupDisabled
	if enabled {
		action = logGroupEnabled
	}
	entry := e.store.AppendLog(groupID, state.ActionEntry{ActorID: o.ActorID, Action: action, At: now})
	e.events.Publish(groupID, entry)
	e.getLogEntry().WithField("group_id", groupID).WithField("enabled", enabled).Info("group moderation toggled")
	return nil
}

// SetWhitelisted grants or revokes bypass of automatic moderation and rate limits.
func (e *Engine) SetWhitelisted(ctx context.Context, o Origin, userID int64, whitelisted bool) error {
	_, span := e.startSpan(ctx, "SetWhitelisted", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	now := e.now()
	apply := func(rec *state.UserRecord) error {
		if rec.IsWhitelisted == whitelisted {
			return nil
		}
		rec.IsWhitelisted = whitelisted
		action := logUnwhitelisted
		if whitelisted {
			action = logWhitelisted
		}
		e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, action, "", now)
		return nil
	}
	if whitelisted {
		return e.store.Update(userID, now, apply)
	}
	_, err := e.store.Modify(userID, now, apply)
	return err
}

// ForgetUser drops everything known about the user.
func (e *Engine) ForgetUser(ctx context.Context, o Origin, userID int64) error {
	_, span := e.startSpan(ctx, "ForgetUser", userID)
	defer span.End()

	if err := validUser(userID); err != nil {
		return err
	}
	rec := e.store.Get(userID)
	if rec == nil || !e.store.Forget(userID) {
		return &ngerrors.NotFoundError{UserID: userID}
	}
	e.record(pickGroup(o.GroupID, rec.LastGroupID), o.ActorID, rec, logForgotten, "", e.now())
	return nil
}

// BanMany bans every listed user once after an emergency snapshot. If the snapshot fails nothing is applied.
func (e *Engine) BanMany(ctx context.Context, o Origin, userIDs []int64, days int) (int, error) {
	ctx, span := e.startSpan(ctx, "BanMany", 0)
	defer span.End()
	span.SetAttributes(attribute.Int("targets", len(userIDs)))

	if len(userIDs) == 0 {
		return 0, ngerrors.Invalid("user_ids", "must not be empty")
	}
	for _, id := range userIDs {
		if err := validUser(id); err != nil {
			return 0, err
		}
	}
	if days < 0 {
		return 0, ngerrors.Invalid("days", "must not be negative")
	}
	userIDs = lo.Uniq(userIDs)

	entry := e.getLogEntry().WithField("targets", len(userIDs))
	if e.backup == nil {
		return 0, ngerrors.Persistence("emergency snapshot", errors.New("backups are not configured"))
	}
	if _, err := e.backup.Snapshot(ctx, backup.TriggerEmergency); err != nil {
		span.RecordError(err)
		entry.WithField("error", err.Error()).Error("emergency snapshot failed, bulk ban aborted")
		return 0, err
	}

	now := e.now()
	applied := 0
	var errs error
	for _, id := range userIDs {
		err := e.store.Update(id, now, func(rec *state.UserRecord) error {
			e.banLocked(rec, o, days, now)
			return nil
		})
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to ban %d: %w", id, err))
			continue
		}
		applied++
	}
	entry.WithField("applied", applied).Info("bulk ban applied")
	return applied, errs
}
