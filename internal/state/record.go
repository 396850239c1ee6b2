package state

import (
	"time"
)

// Status is the tagged moderation state of a user. Exactly one applies at a time,
// so a muted and banned user cannot be represented.
type Status string

const (
	StatusClean  Status = "clean"
	StatusWarned Status = "warned"
	StatusMuted  Status = "muted"
	StatusBanned Status = "banned"
)

var statusRank = map[Status]int{
	StatusClean:  0,
	StatusWarned: 1,
	StatusMuted:  2,
	StatusBanned: 3,
}

// Rank orders statuses by severity; unknown statuses rank as clean.
func (s Status) Rank() int {
	return statusRank[s]
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

type Restriction struct {
	Status    Status    `json:"status"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	Permanent bool      `json:"permanent,omitempty"`
	ByAdmin   bool      `json:"by_admin,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Restricts reports whether the restriction blocks the user from posting at now.
func (r Restriction) Restricts(now time.Time) bool {
	switch r.Status {
	case StatusMuted:
		return now.Before(r.Until)
	case StatusBanned:
		return r.Permanent || now.Before(r.Until)
	default:
		return false
	}
}

// Expired reports whether a timed mute or ban has run out at now.
func (r Restriction) Expired(now time.Time) bool {
	switch r.Status {
	case StatusMuted:
		return !now.Before(r.Until)
	case StatusBanned:
		return !r.Permanent && !now.Before(r.Until)
	default:
		return false
	}
}

func (r Restriction) Remaining(now time.Time) time.Duration {
	if !r.Restricts(now) || r.Permanent {
		return 0
	}
	return r.Until.Sub(now)
}

type RecentMessage struct {
	Digest string    `json:"digest"`
	At     time.Time `json:"at"`
}

// UserRecord is everything the core tracks about a single user.
type UserRecord struct {
	UserID            int64           `json:"user_id"`
	MessageTimestamps []time.Time     `json:"message_timestamps"`
	APICallTimestamps []time.Time     `json:"api_call_timestamps"`
	RecentMessages    []RecentMessage `json:"recent_messages"`
	SpamScore         float64         `json:"spam_score"`
	ScoreUpdatedAt    time.Time       `json:"score_updated_at,omitempty"`
	ViolationCount    int             `json:"violation_count"`
	CooldownUntil     time.Time       `json:"cooldown_until,omitempty"`
	Restriction       Restriction     `json:"restriction"`
	BanCount          int             `json:"ban_count"`
	WarnCount         int             `json:"warn_count"`
	MessageCount      int             `json:"message_count"`
	IsVerified        bool            `json:"is_verified"`
	IsWhitelisted     bool            `json:"is_whitelisted"`
	FirstSeen         time.Time       `json:"first_seen"`
	LastSeen          time.Time       `json:"last_seen"`
	LastGroupID       int64           `json:"last_group_id,omitempty"`
}

func NewUserRecord(userID int64, now time.Time) *UserRecord {
	return &UserRecord{
		UserID:            userID,
		MessageTimestamps: []time.Time{},
		APICallTimestamps: []time.Time{},
		RecentMessages:    []RecentMessage{},
		Restriction:       Restriction{Status: StatusClean},
		FirstSeen:         now,
		LastSeen:          now,
	}
}

// Bypasses reports whether automatic escalation skips this user.
func (r *UserRecord) Bypasses() bool {
	return r.IsWhitelisted || r.IsVerified
}

// AddScore adds delta, clamping the score at zero.
func (r *UserRecord) AddScore(delta float64, now time.Time) {
	r.SpamScore += delta
	if r.SpamScore < 0 {
		r.SpamScore = 0
	}
	r.ScoreUpdatedAt = now
}

func (r *UserRecord) ClearScore(now time.Time) {
	r.SpamScore = 0
	r.ScoreUpdatedAt = now
}

// Clone returns a deep copy safe to hand out of the store.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.MessageTimestamps = append([]time.Time{}, r.MessageTimestamps...)
	c.APICallTimestamps = append([]time.Time{}, r.APICallTimestamps...)
	c.RecentMessages = append([]RecentMessage{}, r.RecentMessages...)
	return &c
}

// heal repairs a record in place. It returns false when the record is beyond repair
// and must be replaced with a fresh one.
func (r *UserRecord) heal(userID int64, now time.Time) bool {
	if r == nil || (r.UserID != 0 && r.UserID != userID) {
		return false
	}
	r.UserID = userID
	if r.MessageTimestamps == nil {
		r.MessageTimestamps = []time.Time{}
	}
	if r.APICallTimestamps == nil {
		r.APICallTimestamps = []time.Time{}
	}
	if r.RecentMessages == nil {
		r.RecentMessages = []RecentMessage{}
	}
	if r.SpamScore < 0 || r.SpamScore != r.SpamScore {
		r.SpamScore = 0
	}
	if r.ViolationCount < 0 {
		r.ViolationCount = 0
	}
	if r.BanCount < 0 {
		r.BanCount = 0
	}
	if !r.Restriction.Status.Valid() {
		r.Restriction = Restriction{Status: StatusClean}
	}
	if r.Restriction.Status == StatusMuted && r.Restriction.Until.IsZero() {
		r.Restriction = Restriction{Status: StatusWarned, Since: now}
	}
	if r.Restriction.Status == StatusBanned && r.Restriction.Until.IsZero() && !r.Restriction.Permanent {
		r.Restriction = Restriction{Status: StatusClean, Since: now}
	}
	if r.FirstSeen.IsZero() {
		r.FirstSeen = now
	}
	return true
}
