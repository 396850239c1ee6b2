package state

import (
	"time"
)

// Data is the serializable content of a Store.
type Data struct {
	Users  []*UserRecord  `json:"users"`
	Groups []*GroupRecord `json:"groups"`
}

// Export copies the store one record at a time. Each record is internally
// consistent; no user lock is held once Export returns.
func (s *Store) Export() Data {
	data := Data{
		Users:  []*UserRecord{},
		Groups: []*GroupRecord{},
	}
	for _, id := range s.UserIDs() {
		if rec := s.Get(id); rec != nil {
			data.Users = append(data.Users, rec)
		}
	}
	for _, id := range s.GroupIDs() {
		if g := s.Group(id); g != nil {
			data.Groups = append(data.Groups, g)
		}
	}
	return data
}

// Restore replaces the store content with data. Records that cannot be repaired are
// skipped; the number of skipped records is returned.
func (s *Store) Restore(data Data, now time.Time) int {
	skipped := 0
	users := map[int64]*UserRecord{}
	for _, rec := range data.Users {
		if rec == nil || rec.UserID == 0 {
			skipped++
			continue
		}
		c := rec.Clone()
		if !c.heal(rec.UserID, now) {
			skipped++
			continue
		}
		users[c.UserID] = c
	}

	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.users {
			e.mu.Lock()
			e.deleted = true
			e.mu.Unlock()
		}
		sh.users = map[int64]*entry{}
		sh.mu.Unlock()
	}
	for id, rec := range users {
		sh := s.shardFor(id)
		sh.mu.Lock()
		sh.users[id] = &entry{rec: rec}
		sh.mu.Unlock()
	}

	groups := map[int64]*GroupRecord{}
	for _, g := range data.Groups {
		if g == nil {
			skipped++
			continue
		}
		c := g.clone()
		if c.Log == nil {
			c.Log = []ActionEntry{}
		}
		groups[c.ID] = c
	}
	s.groupsMu.Lock()
	s.groups = groups
	s.groupsMu.Unlock()
	return skipped
}
