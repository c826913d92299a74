// Package schedule decides when rules are due and drives the periodic runs.
package schedule

import (
	"fmt"
	"time"

	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/rules"
)

// Clock supplies the current instant. Tests replace it.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Gate converts every instant into one civil time zone before comparing.
type Gate struct {
	location          *time.Location
	defaultUpdateTime string
}

func NewGate(cfg config.ScheduleConfig) (*Gate, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = constants.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}

	defaultTime := cfg.DefaultUpdateTime
	if defaultTime == "" {
		defaultTime = constants.DefaultUpdateTime
	}
	if _, err := ParseClock(defaultTime); err != nil {
		return nil, err
	}

	return &Gate{location: loc, defaultUpdateTime: defaultTime}, nil
}

func (g *Gate) Location() *time.Location {
	return g.location
}

func (g *Gate) Local(t time.Time) time.Time {
	return t.In(g.location)
}

// Today is midnight of t's civil date in the gate's zone.
func (g *Gate) Today(t time.Time) time.Time {
	local := g.Local(t)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.location)
}

// Date parses a YYYY-MM-DD string as a civil date in the gate's zone.
func (g *Gate) Date(s string) (time.Time, error) {
	d, err := time.ParseInLocation(constants.DateLayout, s, g.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// IsDue reports whether rule should have run by now. It is a "due or past
// due" check; callers make sure a rule fires once per window.
func (g *Gate) IsDue(rule rules.Spec, now time.Time) bool {
	local := g.Local(now)

	updateTime := rule.UpdateTime
	if updateTime == "" {
		updateTime = g.defaultUpdateTime
	}
	at, err := ParseClock(updateTime)
	if err != nil {
		return false
	}

	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if sinceMidnight < at {
		return false
	}

	if len(rule.UpdateDays) > 0 && !containsDay(rule.UpdateDays, ISOWeekday(local)) {
		return false
	}

	return true
}

// ISOWeekday maps Monday to 1 and Sunday to 7.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
