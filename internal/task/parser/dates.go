package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"pewtask/internal/task"
)

// dateKeyword resolves a relative keyword against "now". The declaration order
// of dateKeywords is the scan order of the keyword fallback.
type dateKeyword struct {
	word    string
	resolve func(now time.Time) time.Time
}

var dateKeywords = []dateKeyword{
	{"today", func(now time.Time) time.Time { return now }},
	{"tomorrow", func(now time.Time) time.Time { return now.AddDate(0, 0, 1) }},
	{"yesterday", func(now time.Time) time.Time { return now.AddDate(0, 0, -1) }},
	{"next week", func(now time.Time) time.Time { return now.AddDate(0, 0, 7) }},
	{"next month", addMonth},
	{"monday", nextWeekday(time.Monday)},
	{"tuesday", nextWeekday(time.Tuesday)},
	{"wednesday", nextWeekday(time.Wednesday)},
	{"thursday", nextWeekday(time.Thursday)},
	{"friday", nextWeekday(time.Friday)},
	{"saturday", nextWeekday(time.Saturday)},
	{"sunday", nextWeekday(time.Sunday)},
}

// nextWeekday resolves to the next occurrence strictly after today; on the
// same weekday that is seven days out.
func nextWeekday(target time.Weekday) func(time.Time) time.Time {
	return func(now time.Time) time.Time {
		days := (int(target) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return now.AddDate(0, 0, days)
	}
}

// addMonth adds one calendar month, clamping to the last day of the target
// month (Jan 31 -> Feb 28/29) instead of overflowing into the month after.
func addMonth(now time.Time) time.Time {
	y, m, d := now.Date()
	first := time.Date(y, m+1, 1, now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), now.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), now.Location())
}

func lookupDateKeyword(s string) (dateKeyword, bool) {
	s = strings.ToLower(s)
	for _, k := range dateKeywords {
		if k.word == s {
			return k, true
		}
	}
	return dateKeyword{}, false
}

func formatDay(t time.Time) string {
	return startOfDay(t).Format(task.DateLayout)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

var (
	reISODate = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	reUSDate  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?$`)
)

// parseDateValue resolves a :d tag payload. It returns "" when the value is
// not a keyword, ISO or US date.
func parseDateValue(v string, now time.Time) string {
	if k, ok := lookupDateKeyword(v); ok {
		return formatDay(k.resolve(now))
	}
	if m := reISODate.FindStringSubmatch(v); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return calendarDate(y, mo, d, now.Location())
	}
	if m := reUSDate.FindStringSubmatch(v); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		y := now.Year()
		if m[3] != "" {
			y, _ = strconv.Atoi(m[3])
			// Two-digit years are read in the current century.
			if len(m[3]) == 2 {
				y += 2000
			}
		}
		return calendarDate(y, mo, d, now.Location())
	}
	return ""
}

// calendarDate normalizes out-of-range parts the way time.Date does, so
// 2025-02-30 rolls forward to 2025-03-02.
func calendarDate(y, m, d int, loc *time.Location) string {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc).Format(task.DateLayout)
}

var (
	reTime24 = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	reTime12 = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?(am|pm)$`)
)

// parseTimeValue resolves a :t tag payload to "HH:MM", or "" if invalid.
func parseTimeValue(v string) string {
	if m := reTime24.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		return formatClock(h, mi)
	}
	if m := reTime12.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi := 0
		if m[2] != "" {
			mi, _ = strconv.Atoi(m[2])
		}
		return formatClock(to24h(h, m[3]), mi)
	}
	return ""
}

func to24h(h int, period string) int {
	switch strings.ToLower(period) {
	case "pm":
		if h != 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h
}

func formatClock(h, m int) string {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ""
	}
	return twoDigits(h) + ":" + twoDigits(m)
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
