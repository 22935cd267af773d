package registry

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"mutemebot/internal/store"
	"mutemebot/internal/timemath"
	logx "mutemebot/pkg/logx"
)

var idRe = regexp.MustCompile(`^[A-Z]{4}$`)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(st, logx.Nop())
	// Monday 2024-01-01, 19:30 UTC.
	r.SetClock(func() time.Time {
		return time.Date(2024, 1, 1, 19, 30, 0, 0, time.UTC)
	})
	return r, st
}

func TestCreateEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	id, err := r.CreateEvent(ctx, 10, 20, "14:00", "UTC-5", "")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if !idRe.MatchString(id) {
		t.Fatalf("id %q does not match [A-Z]{4}", id)
	}

	ev, ok := r.Event(id)
	if !ok {
		t.Fatal("event missing after create")
	}
	want := time.Date(2024, 1, 2, 19, 0, 0, 0, time.UTC)
	if !ev.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", ev.NextFire, want)
	}
	if ev.UnixTime != want.Unix() {
		t.Fatalf("UnixTime = %d, want %d", ev.UnixTime, want.Unix())
	}
	if ev.Repeat != timemath.NoRepeat {
		t.Fatalf("Repeat = %q, want %q", ev.Repeat, timemath.NoRepeat)
	}
	if ev.UserID != 10 || ev.ChatID != 20 {
		t.Fatalf("owner = %d/%d, want 10/20", ev.UserID, ev.ChatID)
	}
}

func TestCreateEventRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	if _, err := r.CreateEvent(ctx, 1, 1, "25:00", "UTC-5", ""); err == nil {
		t.Fatal("expected error for hour 25")
	}
	if _, err := r.CreateEvent(ctx, 1, 1, "14:00", "GMT-5", ""); err == nil {
		t.Fatal("expected error for bad timezone")
	}
	if _, err := r.CreateEvent(ctx, 1, 1, "14:00", "UTC-5", "caturday"); err == nil {
		t.Fatal("expected error for bad repeat")
	}
}

func TestUpdateEventTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	id, err := r.CreateEvent(ctx, 1, 1, "14:00", "UTC-5", "")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	changed, err := r.UpdateEventTime(ctx, id, "14:00", "UTC-5")
	if err != nil || changed {
		t.Fatalf("same time: changed=%v err=%v, want false/nil", changed, err)
	}

	changed, err = r.UpdateEventTime(ctx, id, "15:30", "UTC-5")
	if err != nil || !changed {
		t.Fatalf("new time: changed=%v err=%v, want true/nil", changed, err)
	}
	ev, _ := r.Event(id)
	if ev.OriginalTime != "15:30" {
		t.Fatalf("OriginalTime = %q, want 15:30", ev.OriginalTime)
	}
	// Local now is Monday 14:30, so 15:30 is still ahead today.
	want := time.Date(2024, 1, 1, 20, 30, 0, 0, time.UTC)
	if !ev.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", ev.NextFire, want)
	}

	if _, err := r.UpdateEventTime(ctx, "ZZZZ", "15:30", "UTC-5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing event: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateEventRepeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	id, err := r.CreateEvent(ctx, 1, 1, "14:00", "UTC-5", "")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	changed, err := r.UpdateEventRepeat(ctx, id, "no", "UTC-5")
	if err != nil || changed {
		t.Fatalf("same repeat: changed=%v err=%v, want false/nil", changed, err)
	}

	if _, err := r.UpdateEventRepeat(ctx, id, "caturday", "UTC-5"); !errors.Is(err, timemath.ErrInvalidWeekday) {
		t.Fatalf("bad weekday: err = %v, want ErrInvalidWeekday", err)
	}

	changed, err = r.UpdateEventRepeat(ctx, id, "Wednesday", "UTC-5")
	if err != nil || !changed {
		t.Fatalf("new repeat: changed=%v err=%v, want true/nil", changed, err)
	}
	ev, _ := r.Event(id)
	if ev.Repeat != "wednesday" {
		t.Fatalf("Repeat = %q, want wednesday", ev.Repeat)
	}
	// Now is Monday 14:30 local; next Wednesday 14:00 local is Jan 3.
	want := time.Date(2024, 1, 3, 19, 0, 0, 0, time.UTC)
	if !ev.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", ev.NextFire, want)
	}
	if ev.UnixTime != want.Unix() {
		t.Fatalf("UnixTime = %d, want %d", ev.UnixTime, want.Unix())
	}
}

func TestSetUserTimezone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	a, _ := r.CreateEvent(ctx, 1, 1, "23:00", "UTC-5", "")
	b, _ := r.CreateEvent(ctx, 1, 1, "10:00", "UTC-5", "monday")
	other, _ := r.CreateEvent(ctx, 2, 2, "23:00", "UTC-5", "")
	beforeOther, _ := r.Event(other)

	if _, err := r.SetUserTimezone(ctx, 1, "EST"); err == nil {
		t.Fatal("expected error for malformed offset")
	}

	touched, err := r.SetUserTimezone(ctx, 1, "UTC+2")
	if err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("touched = %v, want ids %s and %s", touched, a, b)
	}

	u := r.GetOrCreateUser(ctx, 1)
	if u.Timezone != "UTC+2" {
		t.Fatalf("Timezone = %q, want UTC+2", u.Timezone)
	}

	// Local now in UTC+2 is Monday 21:30; 23:00 today is still ahead.
	evA, _ := r.Event(a)
	wantA := time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC)
	if !evA.NextFire.Equal(wantA) {
		t.Fatalf("event %s NextFire = %v, want %v", a, evA.NextFire, wantA)
	}
	// 10:00 on Monday already passed locally, so the repeat rolls a week.
	evB, _ := r.Event(b)
	wantB := time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)
	if !evB.NextFire.Equal(wantB) {
		t.Fatalf("event %s NextFire = %v, want %v", b, evB.NextFire, wantB)
	}

	afterOther, _ := r.Event(other)
	if !afterOther.NextFire.Equal(beforeOther.NextFire) {
		t.Fatal("another user's event was recomputed")
	}
}

func TestToggleSnooze(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	id, _ := r.CreateEvent(ctx, 1, 1, "14:00", "UTC-5", "")

	on, err := r.ToggleSnooze(ctx, id)
	if err != nil || !on {
		t.Fatalf("first toggle: %v %v, want true/nil", on, err)
	}
	off, err := r.ToggleSnooze(ctx, id)
	if err != nil || off {
		t.Fatalf("second toggle: %v %v, want false/nil", off, err)
	}
	if _, err := r.ToggleSnooze(ctx, "ZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing event: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteEventCancelsTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	var cancelled []string
	r.SetTaskCanceler(func(id string) { cancelled = append(cancelled, id) })

	id, _ := r.CreateEvent(ctx, 1, 1, "14:00", "UTC-5", "")

	removed, ok := r.DeleteEvent(ctx, id)
	if !ok || removed == nil {
		t.Fatal("delete reported not found for a live event")
	}
	if removed.OriginalTime != "14:00" {
		t.Fatalf("removed OriginalTime = %q, want 14:00", removed.OriginalTime)
	}
	if len(cancelled) != 1 || cancelled[0] != id {
		t.Fatalf("cancelled = %v, want [%s]", cancelled, id)
	}
	if _, ok := r.Event(id); ok {
		t.Fatal("event still present after delete")
	}

	if _, ok := r.DeleteEvent(ctx, id); ok {
		t.Fatal("second delete reported success")
	}
}

func TestRefreshRecurring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	if _, err := r.SetUserTimezone(ctx, 1, "UTC-5"); err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}
	id, _ := r.CreateEvent(ctx, 1, 1, "14:00", "UTC-5", "monday")

	// Local Monday 14:00 has already passed at creation time, so a refresh
	// keeps the event on next Monday.
	if err := r.RefreshRecurring(ctx, id); err != nil {
		t.Fatalf("RefreshRecurring: %v", err)
	}
	ev, _ := r.Event(id)
	want := time.Date(2024, 1, 8, 19, 0, 0, 0, time.UTC)
	if !ev.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", ev.NextFire, want)
	}

	// No-op for one-shots and unknown ids.
	oneShot, _ := r.CreateEvent(ctx, 1, 1, "18:00", "UTC-5", "")
	before, _ := r.Event(oneShot)
	if err := r.RefreshRecurring(ctx, oneShot); err != nil {
		t.Fatalf("RefreshRecurring one-shot: %v", err)
	}
	after, _ := r.Event(oneShot)
	if !after.NextFire.Equal(before.NextFire) {
		t.Fatal("one-shot was recomputed")
	}
	if err := r.RefreshRecurring(ctx, "ZZZZ"); err != nil {
		t.Fatalf("RefreshRecurring missing: %v", err)
	}
}

func TestStatePersistsAcrossReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st := newTestRegistry(t)

	id, _ := r.CreateEvent(ctx, 1, 7, "14:00", "UTC-5", "friday")
	if _, err := r.SetUserTimezone(ctx, 1, "UTC+3"); err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}

	r2 := New(st, logx.Nop())
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ev, ok := r2.Event(id)
	if !ok {
		t.Fatal("event lost across reload")
	}
	if ev.Repeat != "friday" || ev.ChatID != 7 {
		t.Fatalf("reloaded event = %+v", ev)
	}
	u := r2.GetOrCreateUser(ctx, 1)
	if u.Timezone != "UTC+3" {
		t.Fatalf("reloaded Timezone = %q, want UTC+3", u.Timezone)
	}
}
