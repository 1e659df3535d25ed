// Package presence tracks which users are active in which rooms. Records are
// kept in memory only and are meaningful only while the process handling the
// connections is alive.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Entry describes one tracked user inside a room.
type Entry struct {
	UserID   string
	UserName string
	JoinedAt time.Time
	LastSeen time.Time
}

// Removal identifies a record dropped by a staleness sweep.
type Removal struct {
	Room   string
	UserID string
}

type record struct {
	userName string
	joinedAt time.Time
	lastSeen time.Time
}

// TrackerConfig describes the dependencies for a Tracker.
type TrackerConfig struct {
	Clock func() time.Time
}

// Tracker maintains the room -> user presence map.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*record
	clock func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		rooms: map[string]map[string]*record{},
		clock: clock,
	}
}

// Join registers the user in the room, starting a fresh presence window.
func (tracker *Tracker) Join(room, userID, userName string) {
	now := tracker.clock()
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	users, ok := tracker.rooms[room]
	if !ok {
		users = map[string]*record{}
		tracker.rooms[room] = users
	}
	users[userID] = &record{userName: userName, joinedAt: now, lastSeen: now}
}

// Heartbeat refreshes the user's last-seen timestamp. A heartbeat for an
// untracked user registers it, so presence survives tracker restarts and
// missed joins.
func (tracker *Tracker) Heartbeat(room, userID, userName string) {
	now := tracker.clock()
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	users, ok := tracker.rooms[room]
	if !ok {
		users = map[string]*record{}
		tracker.rooms[room] = users
	}
	existing, present := users[userID]
	if !present {
		users[userID] = &record{userName: userName, joinedAt: now, lastSeen: now}
		return
	}
	existing.lastSeen = now
	if userName != "" {
		existing.userName = userName
	}
}

// Leave removes the user and drops the room entry once its last user is gone.
func (tracker *Tracker) Leave(room, userID string) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	users, ok := tracker.rooms[room]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(tracker.rooms, room)
	}
}

// SweepStale removes every record whose last heartbeat predates staleBefore
// and reports the removals sorted by room and user.
func (tracker *Tracker) SweepStale(staleBefore time.Time) []Removal {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	var removals []Removal
	for room, users := range tracker.rooms {
		for userID, entry := range users {
			if entry.lastSeen.Before(staleBefore) {
				delete(users, userID)
				removals = append(removals, Removal{Room: room, UserID: userID})
			}
		}
		if len(users) == 0 {
			delete(tracker.rooms, room)
		}
	}

	sort.Slice(removals, func(left, right int) bool {
		if removals[left].Room != removals[right].Room {
			return removals[left].Room < removals[right].Room
		}
		return removals[left].UserID < removals[right].UserID
	})
	return removals
}

// ActiveUsers returns the tracked users in a room sorted by user id.
func (tracker *Tracker) ActiveUsers(room string) []Entry {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()

	users, ok := tracker.rooms[room]
	if !ok {
		return nil
	}
	entries := make([]Entry, 0, len(users))
	for userID, entry := range users {
		entries = append(entries, Entry{
			UserID:   userID,
			UserName: entry.userName,
			JoinedAt: entry.joinedAt,
			LastSeen: entry.lastSeen,
		})
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].UserID < entries[right].UserID
	})
	return entries
}

// ActiveRooms returns the names of rooms with at least one tracked user.
func (tracker *Tracker) ActiveRooms() []string {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()

	rooms := make([]string, 0, len(tracker.rooms))
	for room := range tracker.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// IsPresent reports whether the user is tracked in the room.
func (tracker *Tracker) IsPresent(room, userID string) bool {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()

	users, ok := tracker.rooms[room]
	if !ok {
		return false
	}
	_, present := users[userID]
	return present
}

// UserCount returns the number of tracked users in the room.
func (tracker *Tracker) UserCount(room string) int {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()

	return len(tracker.rooms[room])
}
