package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mutemebot/internal/registry"
	"mutemebot/internal/scheduler"
	"mutemebot/internal/store"
	kit "mutemebot/internal/transport"
	logx "mutemebot/pkg/logx"
)

// Monday 2024-01-01, 19:30 UTC.
var testNow = time.Date(2024, 1, 1, 19, 30, 0, 0, time.UTC)

type fakeAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) Mute(ctx context.Context, chatID, userID int64) error   { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.replies)}, nil
}

func (f *fakeAdapter) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		t.Fatal("no reply was sent")
	}
	return f.replies[len(f.replies)-1]
}

type muteNop struct{}

func (muteNop) Mute(ctx context.Context, chatID, userID int64, eventID string) error { return nil }

func newTestRouter(t *testing.T) (*Service, *registry.Registry, *fakeAdapter) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, logx.Nop())
	reg.SetClock(func() time.Time { return testNow })

	sched := scheduler.New(scheduler.Config{}, reg, muteNop{}, logx.Nop(), nil)
	sched.SetClock(func() time.Time { return testNow })
	reg.SetTaskCanceler(sched.Cancel)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	ad := &fakeAdapter{}
	return New(Config{}, ad, reg, sched, logx.Nop()), reg, ad
}

func msg(text string) *kit.Message {
	return &kit.Message{ID: 1, ChatID: 100, FromID: 7, Text: text}
}

func handle(t *testing.T, s *Service, text string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.handleMessage(ctx, logx.Nop(), msg(text))
}

func soleEventID(t *testing.T, reg *registry.Registry, userID int64) string {
	t.Helper()
	events := reg.EventsForUser(userID)
	if len(events) != 1 {
		t.Fatalf("user has %d events, want 1", len(events))
	}
	for id := range events {
		return id
	}
	return ""
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{name: "empty", args: nil, want: command{}},
		{name: "positional", args: []string{"14:00"}, want: command{mainArg: "14:00"}},
		{
			name: "create with repeat",
			args: []string{"14:00", "-r", "monday"},
			want: command{mainArg: "14:00", repeat: "monday"},
		},
		{
			name: "update with value",
			args: []string{"ABCD", "-u", "15:30"},
			want: command{mainArg: "ABCD", update: "15:30", hasUpdate: true},
		},
		{
			name: "update without value",
			args: []string{"ABCD", "-u", "-z"},
			want: command{mainArg: "ABCD", hasUpdate: true, snooze: true},
		},
		{
			name: "delete and snooze",
			args: []string{"ABCD", "-d", "-z"},
			want: command{mainArg: "ABCD", del: true, snooze: true},
		},
		{name: "repeat missing value", args: []string{"-r"}, wantErr: true},
		{name: "two positionals", args: []string{"14:00", "15:00"}, wantErr: true},
		{name: "unknown long flag", args: []string{"--bogus"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCommand(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseCommand(%v): expected error", tc.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand(%v): %v", tc.args, err)
			}
			if got != tc.want {
				t.Fatalf("parseCommand(%v) = %+v, want %+v", tc.args, got, tc.want)
			}
		})
	}
}

func TestIgnoresUnrelatedMessages(t *testing.T) {
	t.Parallel()
	s, _, ad := newTestRouter(t)
	if handle(t, s, "hello there") {
		t.Fatal("unrelated message was handled")
	}
	if len(ad.replies) != 0 {
		t.Fatalf("replies = %v, want none", ad.replies)
	}
}

func TestCreateEventCommand(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	if !handle(t, s, "muteme 14:00") {
		t.Fatal("command was not handled")
	}
	id := soleEventID(t, reg, 7)
	reply := ad.last(t)
	if !strings.Contains(reply, "(id "+id+")") {
		t.Fatalf("reply %q does not mention id %s", reply, id)
	}

	ev, _ := reg.Event(id)
	if ev.ChatID != 100 {
		t.Fatalf("ChatID = %d, want 100", ev.ChatID)
	}
	// New users default to UTC-7, so 14:00 local is 21:00 UTC.
	want := time.Date(2024, 1, 1, 21, 0, 0, 0, time.UTC)
	if !ev.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", ev.NextFire, want)
	}
}

func TestCreateWithRepeatAndSlashPrefix(t *testing.T) {
	t.Parallel()
	s, reg, _ := newTestRouter(t)

	if !handle(t, s, "/muteme@SomeBot 10:00 -r friday") {
		t.Fatal("command was not handled")
	}
	id := soleEventID(t, reg, 7)
	ev, _ := reg.Event(id)
	if ev.Repeat != "friday" {
		t.Fatalf("Repeat = %q, want friday", ev.Repeat)
	}
}

func TestCreateRejectsBadRepeat(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	handle(t, s, "muteme 14:00 -r caturday")
	if got := len(reg.EventsForUser(7)); got != 0 {
		t.Fatalf("user has %d events, want 0", got)
	}
	if !strings.Contains(ad.last(t), "repeat day") {
		t.Fatalf("reply %q does not explain the repeat error", ad.last(t))
	}
}

func TestSetTimezoneCommand(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	handle(t, s, "muteme 14:00")
	id := soleEventID(t, reg, 7)

	if !handle(t, s, "muteme UTC+2") {
		t.Fatal("command was not handled")
	}
	if !strings.Contains(ad.last(t), "UTC+2") {
		t.Fatalf("reply %q does not confirm the timezone", ad.last(t))
	}

	u := reg.GetOrCreateUser(context.Background(), 7)
	if u.Timezone != "UTC+2" {
		t.Fatalf("Timezone = %q, want UTC+2", u.Timezone)
	}
	// 14:00 local in UTC+2 already passed (local now 21:30), so tomorrow.
	ev, _ := reg.Event(id)
	want := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	if !ev.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", ev.NextFire, want)
	}
}

func TestUpdateTimeAndRepeatTogether(t *testing.T) {
	t.Parallel()
	s, reg, _ := newTestRouter(t)

	handle(t, s, "muteme 14:00")
	id := soleEventID(t, reg, 7)

	handle(t, s, "muteme "+id+" -u 15:30 -r wednesday")
	ev, _ := reg.Event(id)
	if ev.OriginalTime != "15:30" {
		t.Fatalf("OriginalTime = %q, want 15:30", ev.OriginalTime)
	}
	if ev.Repeat != "wednesday" {
		t.Fatalf("Repeat = %q, want wednesday", ev.Repeat)
	}
}

func TestSnoozeById(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	handle(t, s, "muteme 14:00")
	id := soleEventID(t, reg, 7)

	handle(t, s, "muteme "+id+" -z")
	if !strings.Contains(ad.last(t), "Snoozed event "+id) {
		t.Fatalf("reply = %q", ad.last(t))
	}
	handle(t, s, "muteme "+id+" -z")
	if !strings.Contains(ad.last(t), "Awakened event "+id) {
		t.Fatalf("reply = %q", ad.last(t))
	}
}

func TestSnoozeSoonestWithoutId(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	// Local now is Monday 12:30, so both fire today and 14:00 comes first.
	handle(t, s, "muteme 22:00")
	handle(t, s, "muteme 14:00")

	var soonest string
	for id, ev := range reg.EventsForUser(7) {
		if ev.OriginalTime == "14:00" {
			soonest = id
		}
	}

	handle(t, s, "muteme -z")
	if !strings.Contains(ad.last(t), "Snoozed event "+soonest) {
		t.Fatalf("reply = %q, want snooze of %s", ad.last(t), soonest)
	}
}

func TestDeleteCommand(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	handle(t, s, "muteme 14:00")
	id := soleEventID(t, reg, 7)

	handle(t, s, "muteme "+id+" -d")
	if !strings.Contains(ad.last(t), "Deleted event "+id) {
		t.Fatalf("reply = %q", ad.last(t))
	}
	if len(reg.EventsForUser(7)) != 0 {
		t.Fatal("event still present after delete")
	}
}

func TestUnknownEventId(t *testing.T) {
	t.Parallel()
	s, _, ad := newTestRouter(t)

	handle(t, s, "muteme ZZZZ -d")
	if !strings.Contains(ad.last(t), "Unknown event id ZZZZ") {
		t.Fatalf("reply = %q", ad.last(t))
	}
}

func TestListEvents(t *testing.T) {
	t.Parallel()
	s, reg, ad := newTestRouter(t)

	handle(t, s, "muteme")
	if !strings.Contains(ad.last(t), "no scheduled events") {
		t.Fatalf("reply = %q", ad.last(t))
	}

	handle(t, s, "muteme 14:00 -r monday")
	id := soleEventID(t, reg, 7)

	handle(t, s, "muteme")
	list := ad.last(t)
	if !strings.Contains(list, "Here are your scheduled events:") {
		t.Fatalf("reply = %q", list)
	}
	if !strings.Contains(list, id+": every mo. - active") {
		t.Fatalf("reply %q missing event line for %s", list, id)
	}
}
