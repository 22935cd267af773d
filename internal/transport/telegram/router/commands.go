package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"mutemebot/internal/store"
	"mutemebot/internal/timemath"
	kit "mutemebot/internal/transport"
	logx "mutemebot/pkg/logx"
)

var (
	tzRe   = regexp.MustCompile(`^UTC[+-]\d{1,2}(?::[0-5][0-9])?$`)
	timeRe = regexp.MustCompile(`^[+-]?\d{1,2}:\d{2}$`)
	idRe   = regexp.MustCompile(`^[A-Z]{4}$`)
)

var errUsage = errors.New("invalid usage")

// command is the parsed argument set of one invocation. The positional
// argument is disambiguated later by shape: timezone, time of day, or
// event id.
type command struct {
	mainArg   string
	repeat    string
	update    string
	hasUpdate bool
	del       bool
	snooze    bool
}

func parseCommand(args []string) (command, error) {
	var c command
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "-r", "--repeat":
			i++
			if i >= len(args) {
				return c, errUsage
			}
			c.repeat = args[i]
		case "-u", "--update":
			c.hasUpdate = true
			// The value is optional; a following flag means none was given.
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				c.update = args[i]
			}
		case "-d", "--delete":
			c.del = true
		case "-z", "--snooze":
			c.snooze = true
		default:
			if strings.HasPrefix(a, "--") {
				return c, errUsage
			}
			if c.mainArg != "" {
				return c, errUsage
			}
			c.mainArg = a
		}
	}
	return c, nil
}

// handleMessage reports whether the message addressed the bot at all.
func (s *Service) handleMessage(ctx context.Context, log logx.Logger, m *kit.Message) bool {
	tokens := strings.Fields(m.Text)
	if len(tokens) == 0 {
		return false
	}
	head := tokens[0]
	// "/muteme@botname" in groups.
	if i := strings.IndexByte(head, '@'); i > 0 {
		head = head[:i]
	}
	head = strings.TrimPrefix(head, "/")
	if !strings.EqualFold(head, s.cfg.Prefix) {
		return false
	}

	user := s.reg.GetOrCreateUser(ctx, m.FromID)

	cmd, err := parseCommand(tokens[1:])
	if err != nil {
		s.reply(ctx, log, m.ChatID, "Invalid usage.")
		return true
	}

	if cmd.mainArg != "" {
		switch {
		case tzRe.MatchString(cmd.mainArg):
			s.handleSetTimezone(ctx, log, m, cmd.mainArg)
			return true
		case timeRe.MatchString(cmd.mainArg):
			s.handleCreate(ctx, log, m, cmd, user.Timezone)
			return true
		case idRe.MatchString(cmd.mainArg):
			s.handleEventFlags(ctx, log, m, cmd, user.Timezone)
			return true
		}
		// An unrecognized positional falls through to the default views.
	}

	if cmd.snooze {
		s.handleSnoozeLatest(ctx, log, m)
		return true
	}

	s.handleList(ctx, log, m)
	return true
}

func (s *Service) handleSetTimezone(ctx context.Context, log logx.Logger, m *kit.Message, tz string) {
	ids, err := s.reg.SetUserTimezone(ctx, m.FromID, tz)
	if err != nil {
		s.reply(ctx, log, m.ChatID, fmt.Sprintf("Could not set timezone %s.", tz))
		return
	}
	for _, id := range ids {
		s.sched.Arm(id)
	}
	s.reply(ctx, log, m.ChatID,
		fmt.Sprintf("Got it. Your timezone has been updated to %s. Send %s to view your updated events.", tz, s.cfg.Prefix))
}

func (s *Service) handleCreate(ctx context.Context, log logx.Logger, m *kit.Message, cmd command, tz string) {
	id, err := s.reg.CreateEvent(ctx, m.FromID, m.ChatID, strings.TrimPrefix(cmd.mainArg, "+"), tz, cmd.repeat)
	if err != nil {
		if errors.Is(err, timemath.ErrInvalidWeekday) {
			s.reply(ctx, log, m.ChatID, fmt.Sprintf("Unknown repeat day %q. Use a weekday name or \"no\".", cmd.repeat))
			return
		}
		s.reply(ctx, log, m.ChatID, fmt.Sprintf("Could not schedule %s.", cmd.mainArg))
		return
	}
	s.sched.Arm(id)
	s.reply(ctx, log, m.ChatID, fmt.Sprintf("Got it, I'll mute you %s (id %s)", s.relativeTime(id), id))
}

func (s *Service) handleEventFlags(ctx context.Context, log logx.Logger, m *kit.Message, cmd command, tz string) {
	id := cmd.mainArg
	if _, ok := s.reg.Event(id); !ok {
		s.reply(ctx, log, m.ChatID, fmt.Sprintf("Unknown event id %s.", id))
		return
	}

	// Time update and repeat change may be combined in one invocation.
	if cmd.hasUpdate && cmd.update != "" && timeRe.MatchString(cmd.update) {
		if _, err := s.reg.UpdateEventTime(ctx, id, strings.TrimPrefix(cmd.update, "+"), tz); err != nil {
			s.reply(ctx, log, m.ChatID, fmt.Sprintf("Could not update event %s.", id))
		} else {
			s.sched.Arm(id)
			s.reply(ctx, log, m.ChatID, fmt.Sprintf("Got it, I'll mute you %s (id %s)", s.relativeTime(id), id))
		}
	}

	if cmd.repeat != "" {
		if _, err := s.reg.UpdateEventRepeat(ctx, id, cmd.repeat, tz); err != nil {
			s.reply(ctx, log, m.ChatID, fmt.Sprintf("Unknown repeat day %q. Use a weekday name or \"no\".", cmd.repeat))
		} else {
			repeat := strings.ToLower(cmd.repeat)
			if repeat == timemath.NoRepeat {
				s.reply(ctx, log, m.ChatID, fmt.Sprintf("Disabled weekly repetition of event id %s.", id))
			} else {
				s.reply(ctx, log, m.ChatID, fmt.Sprintf("Enabled weekly repetition (on %s) of event id %s.", repeat, id))
			}
			s.sched.Arm(id)
		}
	}

	if cmd.snooze {
		s.toggleSnooze(ctx, log, m.ChatID, id)
		return
	}

	if cmd.del {
		if _, ok := s.reg.DeleteEvent(ctx, id); ok {
			s.reply(ctx, log, m.ChatID, fmt.Sprintf("Deleted event %s.", id))
		}
		return
	}
}

// handleSnoozeLatest toggles the user's soonest-firing event.
func (s *Service) handleSnoozeLatest(ctx context.Context, log logx.Logger, m *kit.Message) {
	events := s.reg.EventsForUser(m.FromID)
	if len(events) == 0 {
		s.reply(ctx, log, m.ChatID, "You have no scheduled events.")
		return
	}
	s.toggleSnooze(ctx, log, m.ChatID, sortedByFireTime(events)[0])
}

func (s *Service) toggleSnooze(ctx context.Context, log logx.Logger, chatID int64, id string) {
	snoozed, err := s.reg.ToggleSnooze(ctx, id)
	if err != nil {
		s.reply(ctx, log, chatID, fmt.Sprintf("Unknown event id %s.", id))
		return
	}
	if snoozed {
		s.reply(ctx, log, chatID, fmt.Sprintf("Snoozed event %s.", id))
	} else {
		s.reply(ctx, log, chatID, fmt.Sprintf("Awakened event %s.", id))
	}
}

func (s *Service) handleList(ctx context.Context, log logx.Logger, m *kit.Message) {
	events := s.reg.EventsForUser(m.FromID)
	if len(events) == 0 {
		s.reply(ctx, log, m.ChatID, "You have no scheduled events.")
		return
	}

	var b strings.Builder
	b.WriteString("Here are your scheduled events:")
	for _, id := range sortedByFireTime(events) {
		ev := events[id]
		repeatStr := "no repeat"
		if ev.Repeat != timemath.NoRepeat {
			repeatStr = fmt.Sprintf("every %s.", ev.Repeat[:2])
		}
		state := "active"
		if ev.Snooze {
			state = "asleep"
		}
		fmt.Fprintf(&b, "\n%s: %s - %s, %s", id, repeatStr, state, humanize.Time(ev.NextFire))
	}
	s.reply(ctx, log, m.ChatID, b.String())
}

func (s *Service) relativeTime(id string) string {
	ev, ok := s.reg.Event(id)
	if !ok {
		return "soon"
	}
	return humanize.Time(ev.NextFire)
}

func sortedByFireTime(events map[string]store.Event) []string {
	ids := make([]string, 0, len(events))
	for id := range events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := events[ids[i]], events[ids[j]]
		if a.UnixTime != b.UnixTime {
			return a.UnixTime < b.UnixTime
		}
		return ids[i] < ids[j]
	})
	return ids
}
