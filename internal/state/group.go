package state

import (
	"sort"
	"time"

	"github.com/pborman/uuid"
)

// DirectGroupID holds log entries for actions without a group context.
const DirectGroupID int64 = 0

type ActionEntry struct {
	ID       string    `json:"id"`
	ActorID  int64     `json:"actor_id"`
	TargetID int64     `json:"target_id"`
	Action   string    `json:"action"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type GroupRecord struct {
	ID        int64         `json:"id"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
	Log       []ActionEntry `json:"log"`
}

func (g *GroupRecord) clone() *GroupRecord {
	c := *g
	c.Log = append([]ActionEntry{}, g.Log...)
	return &c
}

func (s *Store) groupLocked(groupID int64, now time.Time) *GroupRecord {
	g, ok := s.groups[groupID]
	if !ok {
		g = &GroupRecord{ID: groupID, Enabled: true, CreatedAt: now, Log: []ActionEntry{}}
		s.groups[groupID] = g
	}
	return g
}

// TouchGroup records bot activity in a group, creating its record on first sight.
func (s *Store) TouchGroup(groupID int64, now time.Time) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	s.groupLocked(groupID, now)
}

// GroupEnabled reports whether moderation runs in the group. Unknown groups are enabled.
func (s *Store) GroupEnabled(groupID int64) bool {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	g, ok := s.groups[groupID]
	return !ok || g.Enabled
}

func (s *Store) SetGroupEnabled(groupID int64, enabled bool, now time.Time) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	s.groupLocked(groupID, now).Enabled = enabled
}

// AppendLog appends an entry to the group's moderation log and returns the stored copy.
func (s *Store) AppendLog(groupID int64, entry ActionEntry) ActionEntry {
	if entry.ID == "" {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g := s.groupLocked(groupID, entry.At)
	g.Log = append(g.Log, entry)
	return entry
}

// GroupLog returns a copy of the group's log in append order.
func (s *Store) GroupLog(groupID int64) []ActionEntry {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	return append([]ActionEntry{}, g.Log...)
}

func (s *Store) Group(groupID int64) *GroupRecord {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	return g.clone()
}

func (s *Store) GroupIDs() []int64 {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	ids := make([]int64, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
