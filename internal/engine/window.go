package engine

import "time"

// Window is the time range considered "due" for one lead time on one tick.
type Window struct {
	Start time.Time
	End   time.Time
}

// PlanWindow computes the inclusive window [now+L-pad, now+L+pad] for a
// lead time of L minutes. The pad absorbs tick timing jitter: with the
// invoker running every pad, an occurrence starting exactly now+L is
// guaranteed to land in at least one tick's window, and the sent ledger
// keeps an occurrence caught by two adjacent ticks from dispatching twice.
func PlanWindow(now time.Time, leadMinutes int, pad time.Duration) Window {
	target := now.Add(time.Duration(leadMinutes) * time.Minute)
	return Window{Start: target.Add(-pad), End: target.Add(pad)}
}

// Contains reports whether t falls inside the window, bounds inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
