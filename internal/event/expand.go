package event

import "time"

// MaxOccurrences bounds expansion of a single definition. Hitting it means
// the catalog holds a pathological rule (e.g. daily for decades); the
// caller gets Truncated=true and should flag the definition upstream.
const MaxOccurrences = 5000

// Range clips expansion to an inclusive window. A nil bound is open.
type Range struct {
	Start *time.Time
	End   *time.Time
}

func (r Range) contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// Between is a convenience constructor for a fully bounded range.
func Between(start, end time.Time) Range {
	return Range{Start: &start, End: &end}
}

// Expansion is the result of expanding one definition.
type Expansion struct {
	Occurrences []Occurrence
	// Truncated is set when the occurrence cap cut the sequence short of
	// the rule's until date. Callers must surface this, not swallow it.
	Truncated bool
}

// Expand materializes the occurrences of a definition, in non-decreasing
// start order, optionally clipped to rng.
//
// Recurring rules advance from the previous occurrence with calendar
// arithmetic (time.Time.AddDate). Monthly steps on days that the next
// month lacks therefore normalize forward: Jan 31 + 1 month lands on
// Mar 2/3 depending on the year, and subsequent steps continue from that
// normalized day. The until date is inclusive through its end of day.
//
// Returns an error only for invalid definitions; an empty range yields an
// empty, non-nil-free result.
func Expand(def Definition, rng Range, maxOccurrences int) (Expansion, error) {
	var ex Expansion
	if err := def.Validate(); err != nil {
		return ex, err
	}
	if maxOccurrences <= 0 {
		maxOccurrences = MaxOccurrences
	}
	dur := def.Duration()

	if def.Rule.Kind == KindOneOff {
		if rng.contains(def.Start) {
			ex.Occurrences = append(ex.Occurrences, makeOccurrence(def, def.Start, dur))
		}
		return ex, nil
	}

	until := endOfDay(def.Rule.Until)
	occ := def.Start
	count := 0
	for !occ.After(until) {
		if count >= maxOccurrences {
			ex.Truncated = true
			break
		}
		// Past the clip window: every later occurrence is too, so stop.
		if rng.End != nil && occ.After(*rng.End) {
			break
		}
		if rng.contains(occ) {
			ex.Occurrences = append(ex.Occurrences, makeOccurrence(def, occ, dur))
		}
		occ = advance(occ, def.Rule.Interval, def.Rule.Unit)
		count++
	}
	return ex, nil
}

func advance(t time.Time, interval int, unit Unit) time.Time {
	switch unit {
	case UnitDaily:
		return t.AddDate(0, 0, interval)
	case UnitWeekly:
		return t.AddDate(0, 0, 7*interval)
	default: // monthly; Validate guarantees the unit is known
		return t.AddDate(0, interval, 0)
	}
}

func makeOccurrence(def Definition, start time.Time, dur time.Duration) Occurrence {
	o := Occurrence{
		ID:         OccurrenceID(def.ID, start),
		Definition: def,
		Start:      start,
	}
	if !def.End.IsZero() {
		o.End = start.Add(dur)
	}
	return o
}
