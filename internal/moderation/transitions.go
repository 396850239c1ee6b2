package moderation

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/state"
)

// SystemActorID marks log entries produced by the engine itself.
const SystemActorID int64 = 0

const (
	logWarned        = "warned"
	logMuted         = "muted"
	logBanned        = "banned"
	logUnbanned      = "unbanned"
	logUnmuted       = "unmuted"
	logMuteExpired   = "mute_expired"
	logBanExpired    = "ban_expired"
	logMarkedSafe    = "marked_safe"
	logLimitReset    = "limit_reset"
	logWhitelisted   = "whitelisted"
	logUnwhitelisted = "unwhitelisted"
	logForgotten     = "forgotten"
	logGroupEnabled  = "group_enabled"
	logGroupDisabled = "group_disabled"
)

// targetStatus maps a score onto the threshold table.
func (e *Engine) targetStatus(score float64) state.Status {
	switch {
	case score >= e.cfg.BanThreshold:
		return state.StatusBanned
	case score >= e.cfg.MuteThreshold:
		return state.StatusMuted
	case score >= e.cfg.WarnThreshold:
		return state.StatusWarned
	default:
		return state.StatusClean
	}
}

// escalateLocked moves the user up to the status their score calls for. Automatic moves never go down.
func (e *Engine) escalateLocked(rec *state.UserRecord, now time.Time, groupID int64, reason string) Action {
	target := e.targetStatus(rec.SpamScore)
	if target.Rank() <= rec.Restriction.Status.Rank() {
		return ActionNone
	}
	group := pickGroup(groupID, rec.LastGroupID)

	switch target {
	case state.StatusWarned:
		rec.WarnCount++
		rec.Restriction = state.Restriction{Status: state.StatusWarned, Since: now, Reason: reason}
		e.record(group, SystemActorID, rec, logWarned, reason, now)
		return ActionWarned
	case state.StatusMuted:
		rec.Restriction = state.Restriction{
			Status: state.StatusMuted,
			Since:  now,
			Until:  now.Add(e.muteDuration(rec.ViolationCount)),
			Reason: reason,
		}
		e.record(group, SystemActorID, rec, logMuted, reason, now)
		return ActionMuted
	case state.StatusBanned:
		rec.BanCount++
		r := state.Restriction{Status: state.StatusBanned, Since: now, Reason: reason}
		if rec.BanCount >= e.cfg.RepeatOffenderBans {
			r.Permanent = true
		} else {
			r.Until = now.Add(e.cfg.BanDuration)
		}
		rec.Restriction = r
		e.record(group, SystemActorID, rec, logBanned, reason, now)
		return ActionBanned
	}
	return ActionNone
}

// muteDuration is MuteBase*(1+violations), capped at MuteMax.
func (e *Engine) muteDuration(violations int) time.Duration {
	d := e.cfg.MuteBase * time.Duration(1+violations)
	if d > e.cfg.MuteMax || d <= 0 {
		return e.cfg.MuteMax
	}
	return d
}

// expireLocked clears a timed restriction that has run out. It reports whether anything changed.
func (e *Engine) expireLocked(rec *state.UserRecord, now time.Time) bool {
	if !rec.Restriction.Expired(now) {
		return false
	}
	group := pickGroup(rec.LastGroupID)
	switch rec.Restriction.Status {
	case state.StatusMuted:
		rec.Restriction = state.Restriction{Status: state.StatusWarned, Since: now, Reason: logMuteExpired}
		e.record(group, SystemActorID, rec, logMuteExpired, "", now)
	case state.StatusBanned:
		rec.Restriction = state.Restriction{Status: state.StatusClean, Since: now, Reason: logBanExpired}
		rec.ClearScore(now)
		e.record(group, SystemActorID, rec, logBanExpired, "", now)
	default:
		return false
	}
	return true
}

// record appends a transition to the group log. Callers hold the user's lock, the group lock comes second.
func (e *Engine) record(groupID, actorID int64, rec *state.UserRecord, action, reason string, now time.Time) {
	entry := e.store.AppendLog(groupID, state.ActionEntry{
		ActorID:  actorID,
		TargetID: rec.UserID,
		Action:   action,
		Reason:   reason,
		At:       now,
	})
	e.events.Publish(groupID, entry)
	e.getLogEntry().WithFields(log.Fields{
		"entry_id": entry.ID,
		"group_id": groupID,
		"actor_id": actorID,
		"user_id":  rec.UserID,
		"action":   action,
		"reason":   reason,
		"score":    rec.SpamScore,
	}).Info("moderation transition")
}

// pickGroup returns the first non-direct group id, or the direct log.
func pickGroup(ids ...int64) int64 {
	for _, id := range ids {
		if id != state.DirectGroupID {
			return id
		}
	}
	return state.DirectGroupID
}
