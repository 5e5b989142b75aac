package daterange

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidDateExpression = errors.New("invalid date expression")
	ErrInvalidRange          = errors.New("invalid date range")
)

// maxOffsetDays bounds "+N"/"-N" expressions to roughly 270 years
const maxOffsetDays = 100000

var offsetPattern = regexp.MustCompile(`^[+-][0-9]+$`)

// Layouts accepted for absolute expressions, tried in order.
var (
	dateLayout      = "2006-01-02"
	datetimeLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}
)

// DateRange is a half-open [start, end) interval. The zero value is not valid;
// use New or ResolveRange.
type DateRange struct {
	start time.Time
	end   time.Time
}

// New builds a DateRange, rejecting end <= start.
func New(start, end time.Time) (DateRange, error) {
	if !end.After(start) {
		return DateRange{}, fmt.Errorf("%w: end %s is not after start %s",
			ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return DateRange{start: start, end: end}, nil
}

func (r DateRange) Start() time.Time { return r.start }
func (r DateRange) End() time.Time   { return r.end }

// Duration returns end - start.
func (r DateRange) Duration() time.Duration {
	return r.end.Sub(r.start)
}

// Contains reports whether t falls inside [start, end).
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.start) && t.Before(r.end)
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.start.Format(time.RFC3339), r.end.Format(time.RFC3339))
}

// Resolve turns a date expression into an instant relative to ref. Keywords and
// day offsets resolve in ref's location; absolute values without a zone are read
// in ref's location too.
func Resolve(expr string, ref time.Time) (time.Time, error) {
	e := strings.ToLower(strings.TrimSpace(expr))
	if e == "" {
		return time.Time{}, fmt.Errorf("%w: empty expression", ErrInvalidDateExpression)
	}

	startOfDay := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())

	switch e {
	case "now":
		return ref, nil
	case "today":
		return startOfDay, nil
	case "yesterday":
		return startOfDay.AddDate(0, 0, -1), nil
	case "tomorrow":
		return startOfDay.AddDate(0, 0, 1), nil
	}

	if offsetPattern.MatchString(e) {
		days, err := strconv.Atoi(e)
		if err != nil || days > maxOffsetDays || days < -maxOffsetDays {
			return time.Time{}, fmt.Errorf("%w: day offset %q out of range", ErrInvalidDateExpression, expr)
		}
		return startOfDay.AddDate(0, 0, days), nil
	}

	trimmed := strings.TrimSpace(expr)
	if t, err := time.ParseInLocation(dateLayout, trimmed, ref.Location()); err == nil {
		return t, nil
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, ref.Location()); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateExpression, expr)
}

// ResolveRange resolves both expressions against the same reference instant.
func ResolveRange(startExpr, endExpr string, ref time.Time) (DateRange, error) {
	start, err := Resolve(startExpr, ref)
	if err != nil {
		return DateRange{}, fmt.Errorf("start: %w", err)
	}
	end, err := Resolve(endExpr, ref)
	if err != nil {
		return DateRange{}, fmt.Errorf("end: %w", err)
	}
	return New(start, end)
}

// Resolver binds a clock and a location so callers don't pass a reference
// instant around.
type Resolver struct {
	now func() time.Time
	loc *time.Location
}

// NewResolver returns a Resolver reading the wall clock in loc (UTC when nil).
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{now: time.Now, loc: loc}
}

// WithClock replaces the clock, mostly for tests and scheduled runs.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Reference returns the current reference instant in the resolver's location.
func (r *Resolver) Reference() time.Time {
	return r.now().In(r.loc)
}

// Resolve resolves a single expression at the current reference instant.
func (r *Resolver) Resolve(expr string) (time.Time, error) {
	return Resolve(expr, r.Reference())
}

// ResolveRange resolves start and end at one shared reference instant.
func (r *Resolver) ResolveRange(startExpr, endExpr string) (DateRange, error) {
	return ResolveRange(startExpr, endExpr, r.Reference())
}
