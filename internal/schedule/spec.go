// Package schedule parses poll cadence specs for the delivery managers.
//
// Two forms are accepted: a Go duration ("60s", "2m30s") for fixed-interval
// polling, or a cron expression ("*/5 * * * *", "@hourly", "@every 90s") for
// calendar-aligned sweeps.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec is a parsed poll cadence.
type Spec struct {
	raw   string
	every time.Duration
	cron  cron.Schedule
}

// Parse parses a cadence string. Anything containing whitespace or starting
// with '@' is treated as cron; everything else must be a positive Go
// duration.
func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return Spec{raw: s, cron: sched}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or duration like '60s'): %w", raw, err)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{raw: s, every: d}, nil
}

// MustParse is Parse for compile-time-constant specs; it panics on error.
func MustParse(raw string) Spec {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Spec) IsZero() bool   { return s.cron == nil && s.every == 0 }
func (s Spec) String() string { return s.raw }

// Next returns the next wake-up time strictly after now.
func (s Spec) Next(now time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(now)
	}
	return now.Add(s.every)
}
