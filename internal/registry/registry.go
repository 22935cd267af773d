// Package registry owns the canonical in-memory user/event maps and is the
// only writer to them. Every mutation follows the same discipline: validate,
// mutate in memory, then synchronously persist the full state before
// returning, so later reads in the same process always observe the write.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"mutemebot/internal/store"
	"mutemebot/internal/timemath"
	logx "mutemebot/pkg/logx"
)

// DefaultTimezone is used when recomputing a recurring event whose owner
// never set a timezone.
const DefaultTimezone = "UTC-7"

var ErrNotFound = errors.New("event not found")

const idLen = 4

// Registry is safe for concurrent use; per-event operations are totally
// ordered by the mutex (no two mutations of the same id interleave).
type Registry struct {
	mu sync.Mutex

	log   logx.Logger
	store store.Store
	state store.State

	now    func() time.Time
	cancel func(eventID string)
}

func New(st store.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:   log,
		store: st,
		state: store.NewState(),
		now:   time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// SetTaskCanceler installs the hook used to stop a live scheduled task when
// its event is deleted. The scheduler wires this at startup.
func (r *Registry) SetTaskCanceler(fn func(eventID string)) {
	r.mu.Lock()
	r.cancel = fn
	r.mu.Unlock()
}

// Load replaces the in-memory state with the durable one. Called once at
// process start, before any timers are armed.
func (r *Registry) Load(ctx context.Context) error {
	st, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state = st
	users, events := len(st.Users), len(st.Events)
	r.mu.Unlock()
	r.log.Info("state loaded", logx.Int("users", users), logx.Int("events", events))
	return nil
}

// persistLocked writes the full state. Persistence failures are logged, not
// propagated: losing one write is preferable to aborting the scheduling path.
func (r *Registry) persistLocked(ctx context.Context) {
	if err := r.store.Save(ctx, r.state.Clone()); err != nil {
		r.log.Warn("state save failed", logx.Err(err))
	}
}

// GetOrCreateUser returns the user record, creating it with the default
// timezone on first interaction.
func (r *Registry) GetOrCreateUser(ctx context.Context, userID int64) store.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.state.Users[userID]
	if u == nil {
		u = &store.User{Timezone: DefaultTimezone}
		r.state.Users[userID] = u
		r.persistLocked(ctx)
	}
	return *u
}

// CreateEvent validates the time/timezone strings, computes the first fire
// instant and persists a new event under a fresh 4-letter id.
func (r *Registry) CreateEvent(ctx context.Context, userID, chatID int64, timeOfDay, timezone, repeat string) (string, error) {
	hour, minute, err := timemath.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	offset, err := timemath.ParseTimezoneOffset(timezone)
	if err != nil {
		return "", err
	}
	repeat = normalizeRepeat(repeat)

	r.mu.Lock()
	defer r.mu.Unlock()

	fire, err := timemath.NextFire(r.now(), hour, minute, offset, repeat)
	if err != nil {
		return "", err
	}

	id := r.newEventIDLocked()
	r.state.Events[id] = &store.Event{
		UserID:       userID,
		ChatID:       chatID,
		OriginalTime: timeOfDay,
		Repeat:       repeat,
		NextFire:     fire,
		UnixTime:     fire.Unix(),
	}
	r.persistLocked(ctx)
	r.log.Info("event created",
		logx.String("id", id),
		logx.Int64("user", userID),
		logx.String("repeat", repeat),
		logx.Time("next_fire", fire))
	return id, nil
}

// UpdateEventTime changes an event's local time, keeping its repeat setting.
// Returns false without touching anything when the time is unchanged.
func (r *Registry) UpdateEventTime(ctx context.Context, eventID, newTime, timezone string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := r.state.Events[eventID]
	if ev == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if ev.OriginalTime == newTime {
		return false, nil
	}

	hour, minute, err := timemath.ParseTimeOfDay(newTime)
	if err != nil {
		return false, err
	}
	offset, err := timemath.ParseTimezoneOffset(timezone)
	if err != nil {
		return false, err
	}
	fire, err := timemath.NextFire(r.now(), hour, minute, offset, ev.Repeat)
	if err != nil {
		return false, err
	}

	ev.OriginalTime = newTime
	ev.NextFire = fire
	ev.UnixTime = fire.Unix()
	r.persistLocked(ctx)
	return true, nil
}

// UpdateEventRepeat changes an event's repeat day. "no" disables repetition
// and recomputes the next fire as a one-shot; a weekday enables/changes the
// weekly recurrence. Returns false when the value is unchanged.
func (r *Registry) UpdateEventRepeat(ctx context.Context, eventID, newRepeat, timezone string) (bool, error) {
	newRepeat = normalizeRepeat(newRepeat)

	r.mu.Lock()
	defer r.mu.Unlock()

	ev := r.state.Events[eventID]
	if ev == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if strings.ToLower(ev.Repeat) == newRepeat {
		return false, nil
	}

	hour, minute, err := timemath.ParseTimeOfDay(ev.OriginalTime)
	if err != nil {
		return false, err
	}
	offset, err := timemath.ParseTimezoneOffset(timezone)
	if err != nil {
		return false, err
	}
	fire, err := timemath.NextFire(r.now(), hour, minute, offset, newRepeat)
	if err != nil {
		return false, err
	}

	ev.Repeat = newRepeat
	ev.NextFire = fire
	ev.UnixTime = fire.Unix()
	r.persistLocked(ctx)
	return true, nil
}

// SetUserTimezone validates and stores the user's timezone, then recomputes
// next_fire for every event they own from its unchanged original time and
// repeat. It returns the ids of all touched events so the caller can re-arm
// their schedules.
func (r *Registry) SetUserTimezone(ctx context.Context, userID int64, timezone string) ([]string, error) {
	offset, err := timemath.ParseTimezoneOffset(timezone)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.state.Users[userID]
	if u == nil {
		u = &store.User{}
		r.state.Users[userID] = u
	}
	u.Timezone = timezone

	var touched []string
	for id, ev := range r.state.Events {
		if ev.UserID != userID {
			continue
		}
		hour, minute, err := timemath.ParseTimeOfDay(ev.OriginalTime)
		if err != nil {
			r.log.Warn("event has unparseable original time; left as-is",
				logx.String("id", id), logx.Err(err))
			continue
		}
		fire, err := timemath.NextFire(r.now(), hour, minute, offset, ev.Repeat)
		if err != nil {
			r.log.Warn("event recompute failed; left as-is",
				logx.String("id", id), logx.Err(err))
			continue
		}
		ev.NextFire = fire
		ev.UnixTime = fire.Unix()
		touched = append(touched, id)
	}
	sort.Strings(touched)

	r.persistLocked(ctx)
	return touched, nil
}

// ToggleSnooze flips the snooze flag and returns the new value.
func (r *Registry) ToggleSnooze(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := r.state.Events[eventID]
	if ev == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	ev.Snooze = !ev.Snooze
	r.persistLocked(ctx)
	return ev.Snooze, nil
}

// DeleteEvent removes the event, cancels any live scheduled task for it, and
// persists. The removed record is returned for caller-side reporting.
func (r *Registry) DeleteEvent(ctx context.Context, eventID string) (*store.Event, bool) {
	r.mu.Lock()
	ev := r.state.Events[eventID]
	if ev == nil {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.state.Events, eventID)
	cancel := r.cancel
	cp := *ev
	r.persistLocked(ctx)
	r.mu.Unlock()

	if cancel != nil {
		cancel(eventID)
	}
	r.log.Info("event deleted", logx.String("id", eventID))
	return &cp, true
}

// RefreshRecurring recomputes a recurring event's next fire instant from its
// owner's current timezone. One-shot or missing events are left alone.
// This is the post-fire advancement step and the timezone-cascade primitive.
func (r *Registry) RefreshRecurring(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := r.state.Events[eventID]
	if ev == nil || ev.Repeat == timemath.NoRepeat {
		return nil
	}

	tz := DefaultTimezone
	if u := r.state.Users[ev.UserID]; u != nil && u.Timezone != "" {
		tz = u.Timezone
	}
	hour, minute, err := timemath.ParseTimeOfDay(ev.OriginalTime)
	if err != nil {
		return err
	}
	offset, err := timemath.ParseTimezoneOffset(tz)
	if err != nil {
		return err
	}
	fire, err := timemath.NextFire(r.now(), hour, minute, offset, ev.Repeat)
	if err != nil {
		return err
	}

	ev.NextFire = fire
	ev.UnixTime = fire.Unix()
	r.persistLocked(ctx)
	return nil
}

// Event returns a copy of the event record, if present.
func (r *Registry) Event(eventID string) (store.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.state.Events[eventID]
	if ev == nil {
		return store.Event{}, false
	}
	return *ev, true
}

// EventsForUser returns copies of all events owned by the user.
func (r *Registry) EventsForUser(userID int64) map[string]store.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]store.Event{}
	for id, ev := range r.state.Events {
		if ev.UserID == userID {
			out[id] = *ev
		}
	}
	return out
}

// EventIDs returns the ids of all live events.
func (r *Registry) EventIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.state.Events))
	for id := range r.state.Events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeRepeat(repeat string) string {
	repeat = strings.ToLower(strings.TrimSpace(repeat))
	if repeat == "" {
		return timemath.NoRepeat
	}
	return repeat
}

// newEventIDLocked allocates a 4-letter uppercase id unique among live
// events. Deleted ids become reusable.
func (r *Registry) newEventIDLocked() string {
	buf := make([]byte, idLen)
	for {
		for i := range buf {
			buf[i] = byte('A' + rand.IntN(26))
		}
		id := string(buf)
		if _, exists := r.state.Events[id]; !exists {
			return id
		}
	}
}
