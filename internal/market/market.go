// File: internal/market/market.go
package market

import (
	"fmt"
	"time"
)

// Clock answers the market-open predicate for a fixed daily trading window.
// The window bounds and timezone come from configuration; weekends are
// always closed.
type Clock struct {
	loc       *time.Location
	openMins  int // minutes from midnight, inclusive
	closeMins int // exclusive
	now       func() time.Time
}

// NewClock builds a clock for a window like ("09:00", "15:30") in tz.
func NewClock(open, close, tz string) (*Clock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	o, err := parseHHMM(open)
	if err != nil {
		return nil, fmt.Errorf("open time: %w", err)
	}
	c, err := parseHHMM(close)
	if err != nil {
		return nil, fmt.Errorf("close time: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("close %q not after open %q", close, open)
	}
	return &Clock{loc: loc, openMins: o, closeMins: c, now: time.Now}, nil
}

// Open reports whether t falls inside the trading window.
func (c *Clock) Open(t time.Time) bool {
	tt := t.In(c.loc)
	if wd := tt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := tt.Hour()*60 + tt.Minute()
	return mins >= c.openMins && mins < c.closeMins
}

// OpenNow is the zero-argument predicate sampled by the session controller.
func (c *Clock) OpenNow() bool {
	return c.Open(c.now())
}

// SetNow overrides the time source. Test hook.
func (c *Clock) SetNow(now func() time.Time) {
	c.now = now
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad HH:MM %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
