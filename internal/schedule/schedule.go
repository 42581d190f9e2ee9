// Package schedule resolves when a job should run: the initial
// scheduled_at, validation of recurring rules, and the drift-free next
// run after a recurring job completes.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/hookq/hookq/internal/domain"
)

// dateLayouts are tried in order when scheduled_at arrives as a string.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ResolveScheduledAt turns a user-supplied scheduled_at into unix
// seconds. Empty or "0" means now; a decimal number is taken as unix
// seconds; anything else must parse as a date.
func ResolveScheduledAt(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return now.Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, domain.ErrInvalidSchedule
		}
		return n, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, domain.ErrInvalidSchedule
}

// ValidateRecurring checks a recurring rule without evaluating it
// against a base time. "" means one-shot and is valid.
func ValidateRecurring(r string, now time.Time) error {
	r = strings.TrimSpace(r)
	if r == "" {
		return nil
	}
	if n, err := strconv.ParseInt(r, 10, 64); err == nil {
		if n < 0 {
			return domain.ErrInvalidRecurring
		}
		return nil
	}
	if _, err := offsetFrom(r, now); err != nil {
		return domain.ErrInvalidRecurring
	}
	return nil
}

// NextRun computes the next run of a recurring job whose previous run
// was scheduled at base. The result is strictly after now and stays on
// the base grid for numeric intervals, so repeated runs do not drift.
func NextRun(base int64, recurring string, now int64) (int64, error) {
	recurring = strings.TrimSpace(recurring)
	if recurring == "" {
		return 0, domain.ErrInvalidRecurring
	}

	if interval, err := strconv.ParseInt(recurring, 10, 64); err == nil {
		if interval <= 0 {
			return 0, domain.ErrRecurringInThePast
		}
		next := base + interval
		if next <= now {
			k := (now-next)/interval + 1
			next += k * interval
		}
		return next, nil
	}

	baseTime := time.Unix(base, 0)
	next, err := offsetFrom(recurring, baseTime)
	if err != nil {
		return 0, domain.ErrInvalidRecurring
	}
	if next.Unix() <= now && !strings.HasPrefix(recurring, "next") {
		if retry, err := offsetFrom("next "+recurring, baseTime); err == nil {
			next = retry
		}
	}
	for i := 0; i < 10 && next.Unix() <= now; i++ {
		step, err := offsetFrom(recurring, next)
		if err != nil {
			return 0, domain.ErrInvalidRecurring
		}
		next = step
	}
	if next.Unix() <= now {
		return 0, domain.ErrRecurringInThePast
	}
	return next.Unix(), nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

type unit int

const (
	unitSecond unit = iota
	unitMinute
	unitHour
	unitDay
	unitWeek
	unitMonth
	unitYear
)

var units = map[string]unit{
	"second": unitSecond, "seconds": unitSecond, "sec": unitSecond,
	"minute": unitMinute, "minutes": unitMinute, "min": unitMinute,
	"hour": unitHour, "hours": unitHour,
	"day": unitDay, "days": unitDay,
	"week": unitWeek, "weeks": unitWeek,
	"month": unitMonth, "months": unitMonth,
	"year": unitYear, "years": unitYear,
}

// offsetFrom evaluates a single human-readable offset relative to base.
// Supported forms: "+2 hours", "90 seconds", "next monday", "next week".
// Full cron expressions are out of scope.
func offsetFrom(expr string, base time.Time) (time.Time, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(expr)))
	if len(fields) != 2 {
		return time.Time{}, domain.ErrInvalidRecurring
	}

	if fields[0] == "next" {
		if wd, ok := weekdays[fields[1]]; ok {
			return nextWeekday(base, wd), nil
		}
		if u, ok := units[fields[1]]; ok {
			return addUnit(base, u, 1), nil
		}
		return time.Time{}, domain.ErrInvalidRecurring
	}

	n, err := strconv.Atoi(strings.TrimPrefix(fields[0], "+"))
	if err != nil || n < 0 {
		return time.Time{}, domain.ErrInvalidRecurring
	}
	u, ok := units[fields[1]]
	if !ok {
		return time.Time{}, domain.ErrInvalidRecurring
	}
	return addUnit(base, u, n), nil
}

func addUnit(base time.Time, u unit, n int) time.Time {
	switch u {
	case unitSecond:
		return base.Add(time.Duration(n) * time.Second)
	case unitMinute:
		return base.Add(time.Duration(n) * time.Minute)
	case unitHour:
		return base.Add(time.Duration(n) * time.Hour)
	case unitDay:
		return base.AddDate(0, 0, n)
	case unitWeek:
		return base.AddDate(0, 0, 7*n)
	case unitMonth:
		return base.AddDate(0, n, 0)
	default:
		return base.AddDate(n, 0, 0)
	}
}

// nextWeekday returns the first occurrence of wd strictly after base,
// at the same clock time.
func nextWeekday(base time.Time, wd time.Weekday) time.Time {
	days := int(wd - base.Weekday())
	if days <= 0 {
		days += 7
	}
	return base.AddDate(0, 0, days)
}
