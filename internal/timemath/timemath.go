// Package timemath converts a user's local wall-clock time and UTC offset
// into absolute UTC fire instants. All functions are pure; "now" is always
// an explicit argument so callers and tests control the clock.
package timemath

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NoRepeat is the sentinel for one-shot events.
const NoRepeat = "no"

var (
	ErrInvalidFormat  = errors.New("invalid format")
	ErrInvalidWeekday = errors.New("invalid weekday")
)

// Weekdays are the accepted repeat day names, Monday-first.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var tzOffsetRe = regexp.MustCompile(`^UTC([+-])(\d{1,2})(?::(\d{2}))?$`)

// IsWeekday reports whether s (lowercased) names a weekday.
func IsWeekday(s string) bool {
	return weekdayIndex(strings.ToLower(s)) >= 0
}

func weekdayIndex(s string) int {
	for i, d := range Weekdays {
		if d == s {
			return i
		}
	}
	return -1
}

// mondayIndex maps Go's Sunday-first weekday to the Monday-first index
// used by repeat day math.
func mondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// ParseTimeOfDay parses "H[H]:MM" into an hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q", ErrInvalidFormat, s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q out of range", ErrInvalidFormat, s)
	}
	return hour, minute, nil
}

// ParseTimezoneOffset parses "UTC[+-]H[H][:MM]" into a signed offset in hours.
// A minutes component contributes minutes/60 to the offset.
func ParseTimezoneOffset(s string) (float64, error) {
	m := tzOffsetRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: timezone %q", ErrInvalidFormat, s)
	}
	hours, _ := strconv.Atoi(m[2])
	minutes := 0
	if m[3] != "" {
		minutes, _ = strconv.Atoi(m[3])
	}
	offset := float64(hours) + float64(minutes)/60
	if m[1] == "-" {
		offset = -offset
	}
	return offset, nil
}

func offsetDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// NextFire returns the UTC instant at which an event set for (hour, minute)
// local time next fires, given the user's UTC offset and an optional weekly
// repeat day.
//
// The math works in the user's local frame: now is shifted by the offset,
// the target day is chosen there, and the result is shifted back.
//
// Boundary semantics are deliberately asymmetric:
//   - one-shot: a local time equal to "now" counts as already passed,
//     pushing to tomorrow;
//   - weekly repeat landing on today: an equal local time also counts as
//     passed, pushing a full 7 days.
func NextFire(now time.Time, hour, minute int, tzOffsetHours float64, repeat string) (time.Time, error) {
	off := offsetDuration(tzOffsetHours)
	local := now.UTC().Add(off)

	localMin := local.Hour()*60 + local.Minute()
	targetMin := hour*60 + minute

	daysAhead := 0
	if repeat != "" && repeat != NoRepeat {
		target := weekdayIndex(strings.ToLower(repeat))
		if target < 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidWeekday, repeat)
		}
		daysAhead = (target - mondayIndex(local.Weekday()) + 7) % 7
		if daysAhead == 0 && localMin >= targetMin {
			daysAhead = 7
		}
	} else if targetMin <= localMin {
		daysAhead = 1
	}

	fireLocal := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, time.UTC).
		AddDate(0, 0, daysAhead)

	return fireLocal.Add(-off), nil
}
