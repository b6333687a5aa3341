package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schedule is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week. Each field accepts "*", a
// number, a range "a-b", a step "*/n" or "a-b/n", and comma lists of those.
type schedule struct {
	minute, hour, dom, month, dow map[int]bool
}

var cronBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

func parseSchedule(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}
	var sets [5]map[int]bool
	for i, f := range fields {
		set, err := parseField(f, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("cron %q: field %d: %w", expr, i+1, err)
		}
		sets[i] = set
	}
	return schedule{minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4]}, nil
}

func parseField(field string, lo, hi int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		rng, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			rng, step = part[:i], n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid range %q", rng)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid range %q", rng)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rng)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q out of range [%d,%d]", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return set, nil
}

func (s schedule) matches(t time.Time) bool {
	return s.minute[t.Minute()] && s.hour[t.Hour()] && s.dom[t.Day()] &&
		s.month[int(t.Month())] && s.dow[int(t.Weekday())]
}

// next returns the first minute strictly after after that matches, searching
// at most one year ahead.
func (s schedule) next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(1, 0, 1)
	for t.Before(limit) {
		if s.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within a year")
}
