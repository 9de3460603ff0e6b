// Package intent – schedule_time.go parses natural-language publication
// times ("завтра в 9:30", "через 15 минут", "в 18:00") into absolute
// timestamps. Falls through when no pattern matches.
package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reInDuration = regexp.MustCompile(`через\s+(\d+)\s*(секунд\w*|минут\w*|час\w*|дн\w*|день)`)
	reTomorrowAt = regexp.MustCompile(`завтра(?:\s+в)?\s+(\d{1,2})(?::(\d{2}))?`)
	reTodayAt    = regexp.MustCompile(`(?:^|\s)(?:в|на)\s+(\d{1,2})(?::(\d{2}))?(?:\s|$)`)
	reBareTime   = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

	scheduleKeywords = []string{
		"запланируй", "запланировать", "опубликуй", "публикуй",
		"выложи", "отправь", "поставь на", "schedule",
	}
)

// parseScheduleTime resolves a schedule expression relative to now. bareOK
// additionally accepts a lone "HH:MM", which is only unambiguous when the
// session is already picking a time. Returns the zero time when nothing
// matches or the components are out of range.
func parseScheduleTime(text string, now time.Time, bareOK bool) time.Time {
	lower := strings.ToLower(strings.TrimSpace(text))

	if m := reInDuration.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return time.Time{}
		}
		switch {
		case strings.HasPrefix(m[2], "секунд"):
			return now.Add(time.Duration(n) * time.Second)
		case strings.HasPrefix(m[2], "минут"):
			return now.Add(time.Duration(n) * time.Minute)
		case strings.HasPrefix(m[2], "час"):
			return now.Add(time.Duration(n) * time.Hour)
		default:
			return now.AddDate(0, 0, n)
		}
	}

	if m := reTomorrowAt.FindStringSubmatch(lower); m != nil {
		if at, ok := atClock(now.AddDate(0, 0, 1), m[1], m[2]); ok {
			return at
		}
		return time.Time{}
	}
	if strings.Contains(lower, "завтра") {
		// "завтра" with no clock time defaults to morning.
		return time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	}

	if bareOK {
		if m := reBareTime.FindStringSubmatch(lower); m != nil {
			if at, ok := atClock(now, m[1], m[2]); ok {
				return nextOccurrence(at, now)
			}
			return time.Time{}
		}
	}

	if m := reTodayAt.FindStringSubmatch(lower); m != nil {
		if at, ok := atClock(now, m[1], m[2]); ok {
			return nextOccurrence(at, now)
		}
	}

	return time.Time{}
}

// atClock places the given clock components on day, validating ranges.
func atClock(day time.Time, hourStr, minuteStr string) (time.Time, bool) {
	hour, _ := strconv.Atoi(hourStr)
	minute := 0
	if minuteStr != "" {
		minute, _ = strconv.Atoi(minuteStr)
	}
	if hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), true
}

// nextOccurrence shifts a same-day time that already passed to tomorrow.
func nextOccurrence(at, now time.Time) time.Time {
	if !at.After(now) {
		return at.AddDate(0, 0, 1)
	}
	return at
}

// hasScheduleKeyword reports whether the instruction reads as a scheduling
// request at all.
func hasScheduleKeyword(lower string) bool {
	for _, kw := range scheduleKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
