package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule triggers analysis runs in timer mode. Exactly one of Cron
// and Duration is set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func (s Schedule) Validate() error {
	switch {
	case s.Cron != "" && s.Duration != "":
		return fmt.Errorf("%w: both cron and duration are set", ErrInvalidSchedule)
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return fmt.Errorf("%w: cron: %w", ErrInvalidSchedule, err)
		}
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return fmt.Errorf("%w: duration: %w", ErrInvalidSchedule, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: duration must be positive", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: both cron and duration are empty", ErrInvalidSchedule)
	}
	return nil
}

// ParseCron parses a 5 field cron expression or a @ macro and returns
// the interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration parses the day and time part of an ISO 8601 duration,
// e.g. P1D, PT12H, P1DT30M or PT0.5S. Years, months and weeks are rejected
// as they have no fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}

	var total time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute}
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", m[i+1], err)
		}
		total += time.Duration(n) * unit
	}
	if sec := m[4]; sec != "" {
		f, err := strconv.ParseFloat(strings.Replace(sec, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", sec, err)
		}
		total += time.Duration(f * float64(time.Second))
	}
	return total, nil
}
