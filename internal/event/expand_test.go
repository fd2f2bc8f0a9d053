package event

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestExpandOneOffRangeClipping(t *testing.T) {
	t.Parallel()
	def := Definition{
		ID:       "ev1",
		Title:    "Open mic",
		Category: "events",
		Start:    time.Date(2025, 4, 10, 19, 0, 0, 0, time.UTC),
		Rule:     OneOff(),
	}

	in := Between(time.Date(2025, 4, 10, 18, 0, 0, 0, time.UTC), time.Date(2025, 4, 10, 20, 0, 0, 0, time.UTC))
	ex, err := Expand(def, in, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) != 1 {
		t.Fatalf("expected 1 occurrence inside range, got %d", len(ex.Occurrences))
	}
	if got, want := ex.Occurrences[0].ID, "ev1-20250410190000"; got != want {
		t.Fatalf("occurrence id = %q, want %q", got, want)
	}

	out := Between(time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC), time.Date(2025, 4, 12, 0, 0, 0, 0, time.UTC))
	ex, err = Expand(def, out, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) != 0 {
		t.Fatalf("expected no occurrences outside range, got %d", len(ex.Occurrences))
	}

	ex, err = Expand(def, Range{}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) != 1 {
		t.Fatalf("expected 1 occurrence with open range, got %d", len(ex.Occurrences))
	}
}

func TestExpandWeekly(t *testing.T) {
	t.Parallel()
	// Monday evening, repeating weekly for three more weeks.
	start := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	def := Definition{
		ID:    "ev2",
		Start: start,
		Rule:  Recurring(1, UnitWeekly, date(2025, 3, 24)),
	}

	ex, err := Expand(def, Range{}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(ex.Occurrences))
	}
	for i, occ := range ex.Occurrences {
		want := start.AddDate(0, 0, 7*i)
		if !occ.Start.Equal(want) {
			t.Fatalf("occurrence %d start = %v, want %v", i, occ.Start, want)
		}
	}
	if ex.Truncated {
		t.Fatal("unexpected truncation")
	}
}

func TestExpandMonthlyClampsShortMonths(t *testing.T) {
	t.Parallel()
	// Starting on the 31st: months without a 31st normalize forward per
	// Go's calendar arithmetic, and later steps continue from that day.
	def := Definition{
		ID:    "ev3",
		Start: time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC),
		Rule:  Recurring(1, UnitMonthly, date(2025, 6, 1)),
	}

	ex, err := Expand(def, Range{}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []time.Time{
		time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 5, 3, 9, 0, 0, 0, time.UTC),
	}
	if len(ex.Occurrences) != len(want) {
		t.Fatalf("expected %d occurrences, got %d", len(want), len(ex.Occurrences))
	}
	for i, occ := range ex.Occurrences {
		if !occ.Start.Equal(want[i]) {
			t.Fatalf("occurrence %d start = %v, want %v", i, occ.Start, want[i])
		}
	}
}

func TestExpandPreservesDuration(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 2, 5, 20, 0, 0, 0, time.UTC)
	def := Definition{
		ID:    "ev4",
		Start: start,
		End:   start.Add(90 * time.Minute),
		Rule:  Recurring(2, UnitDaily, date(2025, 2, 15)),
	}

	ex, err := Expand(def, Range{}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) == 0 {
		t.Fatal("expected occurrences")
	}
	for i, occ := range ex.Occurrences {
		if got := occ.End.Sub(occ.Start); got != 90*time.Minute {
			t.Fatalf("occurrence %d duration = %v, want 90m", i, got)
		}
	}
}

func TestExpandCapBoundsPathologicalRules(t *testing.T) {
	t.Parallel()
	def := Definition{
		ID:    "ev5",
		Start: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Rule:  Recurring(1, UnitDaily, date(2075, 1, 1)),
	}

	ex, err := Expand(def, Range{}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) > MaxOccurrences {
		t.Fatalf("cap exceeded: %d occurrences", len(ex.Occurrences))
	}
	if !ex.Truncated {
		t.Fatal("expected truncation to be reported")
	}
}

func TestExpandStopsAtRangeEnd(t *testing.T) {
	t.Parallel()
	def := Definition{
		ID:    "ev6",
		Start: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Rule:  Recurring(1, UnitDaily, date(2075, 1, 1)),
	}

	end := time.Date(2025, 1, 10, 23, 0, 0, 0, time.UTC)
	ex, err := Expand(def, Range{End: &end}, 0)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(ex.Occurrences) != 10 {
		t.Fatalf("expected 10 occurrences up to range end, got %d", len(ex.Occurrences))
	}
	if ex.Truncated {
		t.Fatal("range-bounded expansion should not hit the cap")
	}
}

func TestValidateRejectsMalformedRules(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		def  Definition
	}{
		{name: "zero interval", def: Definition{ID: "a", Start: start, Rule: Recurring(0, UnitDaily, date(2025, 6, 1))}},
		{name: "bad unit", def: Definition{ID: "b", Start: start, Rule: Recurring(1, Unit("hourly"), date(2025, 6, 1))}},
		{name: "missing until", def: Definition{ID: "c", Start: start, Rule: Rule{Kind: KindRecurring, Interval: 1, Unit: UnitDaily}}},
		{name: "until before start", def: Definition{ID: "d", Start: start, Rule: Recurring(1, UnitDaily, date(2025, 4, 1))}},
		{name: "no id", def: Definition{Start: start, Rule: OneOff()}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.def.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
			if _, err := Expand(tt.def, Range{}, 0); err == nil {
				t.Fatal("expected Expand to reject the definition")
			}
		})
	}
}

func TestOccurrenceIDDeterministic(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 7, 4, 15, 30, 0, 0, time.UTC)
	a := OccurrenceID("ev9", at)
	b := OccurrenceID("ev9", at)
	if a != b {
		t.Fatalf("occurrence ids differ: %q vs %q", a, b)
	}
	if a != "ev9-20250704153000" {
		t.Fatalf("unexpected id format: %q", a)
	}
}
