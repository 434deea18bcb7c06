package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week), evaluated in a fixed
// location so market jobs track exchange time across DST.
type Schedule struct {
	minute, hour, dom, month, dow uint64
	domStar, dowStar              bool
	loc                           *time.Location
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 7}, // 7 folds to 0 (Sunday)
}

// ParseSchedule parses a cron expression. Supported syntax per field:
// "*", "*/step", "a", "a-b", "a-b/step", and comma lists of those.
func ParseSchedule(expr string, loc *time.Location) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron %q: want %d fields, got %d", expr, len(cronFields), len(parts))
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Schedule{loc: loc}
	bits := make([]uint64, len(cronFields))
	for i, part := range parts {
		mask, star, err := parseField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		bits[i] = mask
		switch i {
		case 2:
			s.domStar = star
		case 4:
			s.dowStar = star
		}
	}
	s.minute, s.hour, s.dom, s.month, s.dow = bits[0], bits[1], bits[2], bits[3], bits[4]
	return s, nil
}

func parseField(part string, f cronField) (uint64, bool, error) {
	var mask uint64
	star := false
	for _, item := range strings.Split(part, ",") {
		lo, hi, step := f.min, f.max, 1
		body := item

		if slash := strings.IndexByte(item, '/'); slash >= 0 {
			body = item[:slash]
			parsed, err := strconv.Atoi(item[slash+1:])
			if err != nil || parsed <= 0 {
				return 0, false, fmt.Errorf("%s: bad step in %q", f.name, item)
			}
			step = parsed
		}

		switch {
		case body == "*":
			if part == "*" {
				star = true
			}
		case strings.Contains(body, "-"):
			bounds := strings.SplitN(body, "-", 2)
			a, errA := strconv.Atoi(bounds[0])
			b, errB := strconv.Atoi(bounds[1])
			if errA != nil || errB != nil || a > b {
				return 0, false, fmt.Errorf("%s: bad range %q", f.name, item)
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(body)
			if err != nil {
				return 0, false, fmt.Errorf("%s: bad value %q", f.name, item)
			}
			lo, hi = v, v
			if strings.IndexByte(item, '/') < 0 {
				hi = v
			} else {
				hi = f.max
			}
		}

		if lo < f.min || hi > f.max {
			return 0, false, fmt.Errorf("%s: %q outside [%d, %d]", f.name, item, f.min, f.max)
		}
		for v := lo; v <= hi; v += step {
			bit := v
			if f.max == 7 && bit == 7 {
				bit = 0
			}
			mask |= 1 << uint(bit)
		}
	}
	if mask == 0 {
		return 0, false, fmt.Errorf("%s: empty set from %q", f.name, part)
	}
	return mask, star, nil
}

func (s *Schedule) matchMinute(v int) bool { return s.minute&(1<<uint(v)) != 0 }
func (s *Schedule) matchHour(v int) bool   { return s.hour&(1<<uint(v)) != 0 }
func (s *Schedule) matchMonth(v int) bool  { return s.month&(1<<uint(v)) != 0 }

// matchDay applies the crontab rule: when both day fields are restricted a
// date matches if either does.
func (s *Schedule) matchDay(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(int(t.Weekday()))) != 0
	if !s.domStar && !s.dowStar {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// Next returns the first scheduled instant strictly after t.
func (s *Schedule) Next(t time.Time) time.Time {
	// Minute resolution; scan forward bounded by four years to terminate
	// on impossible dates like "0 0 30 2 *".
	cur := t.In(s.loc).Truncate(time.Minute).Add(time.Minute)
	limit := cur.AddDate(4, 0, 0)
	for cur.Before(limit) {
		if !s.matchMonth(int(cur.Month())) {
			cur = time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, s.loc).AddDate(0, 1, 0)
			continue
		}
		if !s.matchDay(cur) {
			cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
			continue
		}
		if !s.matchHour(cur.Hour()) {
			cur = cur.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.matchMinute(cur.Minute()) {
			cur = cur.Add(time.Minute)
			continue
		}
		return cur
	}
	return time.Time{}
}
