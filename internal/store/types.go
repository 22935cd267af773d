package store

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free JSON file backend (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is the persisted per-user record.
type User struct {
	Timezone string `json:"timezone,omitempty"`
}

// Event is the persisted event record. NextFire is an absolute UTC instant;
// UnixTime is its derived sortable form, kept in sync whenever NextFire is
// recomputed.
type Event struct {
	UserID       int64     `json:"user_id"`
	ChatID       int64     `json:"chat_id"`
	OriginalTime string    `json:"original_time"`
	Repeat       string    `json:"repeat"`
	NextFire     time.Time `json:"next_fire"`
	Snooze       bool      `json:"snooze"`
	UnixTime     int64     `json:"unix_time"`
}

// State is the complete durable dataset: both maps are rewritten in full on
// every Save.
type State struct {
	Users  map[int64]*User
	Events map[string]*Event
}

func NewState() State {
	return State{
		Users:  map[int64]*User{},
		Events: map[string]*Event{},
	}
}

// Clone returns a deep copy, so callers can hand a snapshot to Save without
// racing later mutations.
func (s State) Clone() State {
	out := State{
		Users:  make(map[int64]*User, len(s.Users)),
		Events: make(map[string]*Event, len(s.Events)),
	}
	for id, u := range s.Users {
		if u == nil {
			continue
		}
		cp := *u
		out.Users[id] = &cp
	}
	for id, e := range s.Events {
		if e == nil {
			continue
		}
		cp := *e
		out.Events[id] = &cp
	}
	return out
}
