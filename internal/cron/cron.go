// Package cron evaluates watched-folder schedules.
//
// Expressions use the standard five fields (minute, hour, day-of-month,
// month, day-of-week) with '*', lists, ranges and '*/N' steps. Descriptors
// such as "@daily" and "@every 30m" are accepted as well.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for expressions that do not parse.
var ErrInvalidExpression = errors.New("invalid cron expression")

var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor,
)

// Schedule is a parsed expression.
type Schedule struct {
	expr  string
	sched robfig.Schedule
}

// Parse parses expr. Times are evaluated in UTC.
func Parse(expr string) (Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return Schedule{}, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	s, err := parser.Parse(e)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w %q: %v", ErrInvalidExpression, e, err)
	}
	return Schedule{expr: e, sched: s}, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func (s Schedule) String() string { return s.expr }

// Next returns the first fire time strictly after from.
func (s Schedule) Next(from time.Time) time.Time {
	return s.sched.Next(from.UTC())
}

// IsDue reports whether a schedule whose last run was at last should fire
// at now. A nil last means never run, which is always due.
func (s Schedule) IsDue(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	next := s.Next(*last)
	if next.IsZero() {
		// no fire time within the parser's search horizon
		return false
	}
	return !next.After(now.UTC())
}

// IsDue parses expr and evaluates it against last and now.
func IsDue(expr string, last *time.Time, now time.Time) (bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return s.IsDue(last, now), nil
}

// Next parses expr and returns its first fire time after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}
