package event

import (
	"errors"
	"fmt"
	"time"
)

// Unit is the calendar step of a recurring rule.
type Unit string

const (
	UnitDaily   Unit = "daily"
	UnitWeekly  Unit = "weekly"
	UnitMonthly Unit = "monthly"
)

func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitDaily, UnitWeekly, UnitMonthly:
		return Unit(s), nil
	}
	return "", fmt.Errorf("unknown repeat unit %q", s)
}

// Kind tags a recurrence rule.
type Kind int

const (
	KindOneOff Kind = iota
	KindRecurring
)

// Rule is a tagged recurrence variant: either a one-off (no fields beyond
// the definition's start) or a fixed-interval repetition up to a cutoff
// date. The tag makes the invalid combinations of the legacy representation
// (one-off flag plus non-null interval columns) unrepresentable.
type Rule struct {
	Kind     Kind
	Interval int       // Recurring only; >= 1
	Unit     Unit      // Recurring only
	Until    time.Time // Recurring only; date, inclusive end-of-day
}

// OneOff returns the rule for a non-repeating event.
func OneOff() Rule { return Rule{Kind: KindOneOff} }

// Recurring returns a repeating rule. Validity is checked by Validate, not here.
func Recurring(interval int, unit Unit, until time.Time) Rule {
	return Rule{Kind: KindRecurring, Interval: interval, Unit: unit, Until: until}
}

// Definition is one entry of the event catalog. It is owned and mutated by
// the external admin surface; the engine only reads it.
type Definition struct {
	ID          string
	Title       string
	Description string
	Category    string // notification category slug
	Start       time.Time
	End         time.Time // zero when the event has no end time
	Rule        Rule
}

// Validate rejects malformed definitions. A bad definition is skipped for
// the current tick and reported upstream; it is never silently coerced
// into a one-off.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("definition has no id")
	}
	if d.Start.IsZero() {
		return errors.New("definition has no start time")
	}
	if !d.End.IsZero() && d.End.Before(d.Start) {
		return errors.New("definition ends before it starts")
	}
	r := d.Rule
	switch r.Kind {
	case KindOneOff:
		return nil
	case KindRecurring:
		if r.Interval < 1 {
			return fmt.Errorf("repeat interval must be >= 1, got %d", r.Interval)
		}
		if _, err := ParseUnit(string(r.Unit)); err != nil {
			return err
		}
		if r.Until.IsZero() {
			return errors.New("repeating rule has no until date")
		}
		if endOfDay(r.Until).Before(d.Start) {
			return errors.New("until date precedes the first occurrence")
		}
		return nil
	default:
		return fmt.Errorf("unknown rule kind %d", r.Kind)
	}
}

// Duration returns the fixed event duration, or 0 when no end is set.
func (d Definition) Duration() time.Duration {
	if d.End.IsZero() {
		return 0
	}
	return d.End.Sub(d.Start)
}

// Occurrence is one concrete instance of a definition. Occurrences are
// derived, never persisted; only their identity ends up in the sent ledger.
type Occurrence struct {
	ID         string // "{definition id}-{yyyymmddhhmmss}" of the UTC start
	Definition Definition
	Start      time.Time
	End        time.Time // zero when the definition has no end
}

// OccurrenceID builds the synthetic identity of an occurrence. It is
// deterministic for a given definition and start instant, which is what
// keeps ledger lookups stable across ticks.
func OccurrenceID(defID string, start time.Time) string {
	return defID + "-" + start.UTC().Format("20060102150405")
}

func endOfDay(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 23, 59, 59, 0, time.UTC)
}
