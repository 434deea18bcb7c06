package scheduler

import (
	"fmt"
	"time"
)

// Session classifies an instant relative to the equity trading day.
type Session string

const (
	SessionClosed   Session = "CLOSED"
	SessionPre      Session = "PRE_MARKET"
	SessionRegular  Session = "REGULAR"
	SessionPost     Session = "POST_MARKET"
)

// Calendar answers trading-session questions in exchange time. Hours are
// the US equity defaults: regular 09:30-16:00, extended 04:00-09:30 and
// 16:00-20:00, Monday through Friday. DST follows the exchange timezone.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the exchange timezone (e.g. "America/New_York").
func NewCalendar(tz string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone %q: %w", tz, err)
	}
	return &Calendar{loc: loc}, nil
}

// Location exposes the exchange timezone for cron schedules.
func (c *Calendar) Location() *time.Location { return c.loc }

func minutesOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SessionAt classifies an instant.
func (c *Calendar) SessionAt(t time.Time) Session {
	local := t.In(c.loc)
	if !isWeekday(local) {
		return SessionClosed
	}
	switch m := minutesOfDay(local); {
	case m >= 4*60 && m < 9*60+30:
		return SessionPre
	case m >= 9*60+30 && m < 16*60:
		return SessionRegular
	case m >= 16*60 && m < 20*60:
		return SessionPost
	default:
		return SessionClosed
	}
}

// IsOpen reports whether the regular session is trading at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	return c.SessionAt(t) == SessionRegular
}

// NextOpenAfter returns the first regular-session open at or after t.
func (c *Calendar) NextOpenAfter(t time.Time) time.Time {
	local := t.In(c.loc)
	for {
		open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, c.loc)
		if isWeekday(open) && !open.Before(t) {
			return open
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
	}
}
