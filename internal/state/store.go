package state

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const shardCount = 64

type (
	// Store owns every UserRecord and GroupRecord. Access to a single user is
	// serialized by a per-user mutex; shard locks only guard map membership.
	Store struct {
		shards [shardCount]*shard

		groupsMu sync.RWMutex
		groups   map[int64]*GroupRecord
	}

	shard struct {
		mu    sync.RWMutex
		users map[int64]*entry
	}

	entry struct {
		mu  sync.Mutex
		rec *UserRecord
		// deleted is set under mu once the entry leaves its shard
		deleted bool
	}
)

func NewStore() *Store {
	s := &Store{
		groups: map[int64]*GroupRecord{},
	}
	for i := range s.shards {
		s.shards[i] = &shard{users: map[int64]*entry{}}
	}
	return s
}

func (s *Store) shardFor(userID int64) *shard {
	h := uint64(userID) * 0x9E3779B97F4A7C15
	return s.shards[h>>58]
}

func (s *Store) lookup(userID int64) *entry {
	sh := s.shardFor(userID)
	sh.mu.RLock()
	e := sh.users[userID]
	sh.mu.RUnlock()
	return e
}

func (s *Store) lookupOrCreate(userID int64, now time.Time) *entry {
	if e := s.lookup(userID); e != nil {
		return e
	}
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.users[userID]; ok {
		return e
	}
	e := &entry{rec: NewUserRecord(userID, now)}
	sh.users[userID] = e
	return e
}

// Update runs fn with exclusive access to the user's record, creating the record on
// first sight. A panic inside fn is confined to this call and reported as an error.
func (s *Store) Update(userID int64, now time.Time, fn func(rec *UserRecord) error) error {
	e := s.lockEntry(userID, now, true)
	defer e.mu.Unlock()
	return s.apply(e, userID, now, fn)
}

// Modify is Update for users that already exist. It returns false without calling fn
// when the store has never seen the user.
func (s *Store) Modify(userID int64, now time.Time, fn func(rec *UserRecord) error) (bool, error) {
	e := s.lockEntry(userID, now, false)
	if e == nil {
		return false, nil
	}
	defer e.mu.Unlock()
	return true, s.apply(e, userID, now, fn)
}

// lockEntry returns the user's live entry with its mutex held, or nil when create is
// false and the user is unknown. Entries removed while we waited for the lock are skipped.
func (s *Store) lockEntry(userID int64, now time.Time, create bool) *entry {
	for {
		var e *entry
		if create {
			e = s.lookupOrCreate(userID, now)
		} else if e = s.lookup(userID); e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *Store) apply(e *entry, userID int64, now time.Time, fn func(rec *UserRecord) error) (err error) {
	if !e.rec.heal(userID, now) {
		log.WithFields(log.Fields{"context": "state", "user_id": userID}).Warn("unrepairable user record replaced with a clean one")
		e.rec = NewUserRecord(userID, now)
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"context": "state",
				"user_id": userID,
				"panic":   fmt.Sprint(r),
			}).Error("user record update panicked\n" + string(debug.Stack()))
			err = fmt.Errorf("update user %d: panic: %v", userID, r)
		}
	}()
	return fn(e.rec)
}

// Get returns a copy of the user's record, or nil for unknown users.
func (s *Store) Get(userID int64) *UserRecord {
	e := s.lockEntry(userID, time.Time{}, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// Forget drops the user's record entirely. It reports whether the user existed.
func (s *Store) Forget(userID int64) bool {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.users[userID]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.deleted = true
	delete(sh.users, userID)
	e.mu.Unlock()
	return true
}

// UserIDs lists every known user in ascending order.
func (s *Store) UserIDs() []int64 {
	var ids []int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id := range sh.users {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.users)
		sh.mu.RUnlock()
	}
	return n
}
