package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"beanprepared/internal/dispatch"
	"beanprepared/internal/event"
	logx "beanprepared/pkg/logx"
)

func discardLogger() logx.Logger { return logx.Nop() }

// ---- in-memory fakes ----

type memCatalog struct {
	defs []event.Definition
	err  error
}

func (c *memCatalog) DefinitionsInWindow(_ context.Context, _, _ time.Time) ([]event.Definition, error) {
	return c.defs, c.err
}

type memSubs struct {
	leads []int
	// byUser: user -> categories and user -> leads
	categories map[string][]string
	userLeads  map[string][]int
}

func (s *memSubs) LeadMinutesInUse(context.Context) ([]int, error) { return s.leads, nil }

func (s *memSubs) Recipients(_ context.Context, category string, leadMinutes int) ([]string, error) {
	var out []string
	for user, cats := range s.categories {
		if !contains(cats, category) {
			continue
		}
		for _, l := range s.userLeads[user] {
			if l == leadMinutes {
				out = append(out, user)
				break
			}
		}
	}
	return out, nil
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

type memLedger struct {
	mu   sync.Mutex
	rows map[string]struct{}
	err  error
}

func newMemLedger() *memLedger { return &memLedger{rows: map[string]struct{}{}} }

func (l *memLedger) Has(_ context.Context, occurrenceID string, leadMinutes int) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[ledgerKey(occurrenceID, leadMinutes)]
	return ok, nil
}

func (l *memLedger) Record(_ context.Context, occurrenceID string, leadMinutes int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(occurrenceID, leadMinutes)
	if _, ok := l.rows[k]; ok {
		return false, nil
	}
	l.rows[k] = struct{}{}
	return true, nil
}

type sentCall struct {
	n dispatch.Notification
}

type memDispatcher struct {
	mu     sync.Mutex
	calls  []sentCall
	reject bool
	err    error
}

func (d *memDispatcher) Send(_ context.Context, n dispatch.Notification) (dispatch.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, sentCall{n: n})
	d.mu.Unlock()
	if d.err != nil {
		return dispatch.Result{}, d.err
	}
	if d.reject {
		return dispatch.Result{OK: false, Status: 400, Detail: "invalid recipient"}, nil
	}
	return dispatch.Result{OK: true, Status: 200}, nil
}

func (d *memDispatcher) sent() []sentCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentCall(nil), d.calls...)
}

func testConfig() Config {
	return Config{Workers: 2, Pad: time.Minute, DispatchTimeout: time.Second, RatePerSec: 100}
}

// ---- tests ----

func TestTickIdempotence(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	def := event.Definition{
		ID:       "ev1",
		Title:    "Prayer breakfast",
		Category: "events",
		Start:    now.Add(60 * time.Minute),
		Rule:     event.OneOff(),
	}
	catalog := &memCatalog{defs: []event.Definition{def}}
	subs := &memSubs{
		leads:      []int{60},
		categories: map[string][]string{"alice": {"events"}},
		userLeads:  map[string][]int{"alice": {60}},
	}
	ledger := newMemLedger()
	disp := &memDispatcher{}
	svc := New(testConfig(), catalog, subs, ledger, disp, nil, discardLogger())

	rep, err := svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("first tick sent = %d, want 1", rep.Sent)
	}

	// Immediate second tick at the same instant: the candidate set, after
	// ledger filtering, must be empty.
	rep, err = svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if rep.Candidates != 0 || rep.Sent != 0 {
		t.Fatalf("second tick candidates = %d, sent = %d; want 0, 0", rep.Candidates, rep.Sent)
	}
	if got := len(disp.sent()); got != 1 {
		t.Fatalf("dispatch calls = %d, want exactly 1", got)
	}
}

func TestTickTwoUsersTwoLeads(t *testing.T) {
	t.Parallel()
	// Weekly recurring event; alice wants 60 minutes notice, bob a day.
	start := time.Date(2025, 6, 9, 19, 0, 0, 0, time.UTC) // a Monday
	def := event.Definition{
		ID:       "ev-weekly",
		Title:    "Bible study",
		Category: "events",
		Start:    start,
		Rule:     event.Recurring(1, event.UnitWeekly, time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)),
	}
	catalog := &memCatalog{defs: []event.Definition{def}}
	subs := &memSubs{
		leads:      []int{60, 1440},
		categories: map[string][]string{"alice": {"events"}, "bob": {"events"}},
		userLeads:  map[string][]int{"alice": {60}, "bob": {1440}},
	}
	ledger := newMemLedger()
	disp := &memDispatcher{}
	svc := New(testConfig(), catalog, subs, ledger, disp, nil, discardLogger())

	// Tick at T-60m: only alice's lead matches the first occurrence.
	rep, err := svc.RunTick(context.Background(), start.Add(-60*time.Minute))
	if err != nil {
		t.Fatalf("tick at T-60m: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d, want 1", rep.Sent)
	}
	calls := disp.sent()
	if len(calls) != 1 || len(calls[0].n.Recipients) != 1 || calls[0].n.Recipients[0] != "alice" {
		t.Fatalf("expected a single dispatch to alice, got %+v", calls)
	}

	// Tick at T+7d-1440m: the second weekly occurrence enters bob's window.
	second := start.AddDate(0, 0, 7)
	rep, err = svc.RunTick(context.Background(), second.Add(-1440*time.Minute))
	if err != nil {
		t.Fatalf("tick at T2-1440m: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d, want 1", rep.Sent)
	}
	calls = disp.sent()
	if len(calls) != 2 || calls[1].n.Recipients[0] != "bob" {
		t.Fatalf("expected the second dispatch to bob, got %+v", calls)
	}

	// Re-running both ticks dispatches nothing new.
	if _, err := svc.RunTick(context.Background(), start.Add(-60*time.Minute)); err != nil {
		t.Fatalf("repeat tick: %v", err)
	}
	if _, err := svc.RunTick(context.Background(), second.Add(-1440*time.Minute)); err != nil {
		t.Fatalf("repeat tick: %v", err)
	}
	if got := len(disp.sent()); got != 2 {
		t.Fatalf("dispatch calls = %d, want exactly 2", got)
	}
}

func TestTickSkipsMalformedDefinition(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	bad := event.Definition{
		ID:       "ev-bad",
		Title:    "Broken",
		Category: "events",
		Start:    now.Add(60 * time.Minute),
		Rule:     event.Recurring(0, event.UnitDaily, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)),
	}
	good := event.Definition{
		ID:       "ev-good",
		Title:    "Works",
		Category: "events",
		Start:    now.Add(60 * time.Minute),
		Rule:     event.OneOff(),
	}
	catalog := &memCatalog{defs: []event.Definition{bad, good}}
	subs := &memSubs{
		leads:      []int{60},
		categories: map[string][]string{"alice": {"events"}},
		userLeads:  map[string][]int{"alice": {60}},
	}
	disp := &memDispatcher{}
	svc := New(testConfig(), catalog, subs, newMemLedger(), disp, nil, discardLogger())

	rep, err := svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", rep.Rejected)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d, want 1 (the good definition must still go out)", rep.Sent)
	}
}

func TestTickDispatchFailureNotRecorded(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	def := event.Definition{
		ID:       "ev1",
		Title:    "Concert",
		Category: "events",
		Start:    now.Add(60 * time.Minute),
		Rule:     event.OneOff(),
	}
	catalog := &memCatalog{defs: []event.Definition{def}}
	subs := &memSubs{
		leads:      []int{60},
		categories: map[string][]string{"alice": {"events"}},
		userLeads:  map[string][]int{"alice": {60}},
	}
	ledger := newMemLedger()
	disp := &memDispatcher{reject: true}
	svc := New(testConfig(), catalog, subs, ledger, disp, nil, discardLogger())

	rep, err := svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Failed != 1 || rep.Sent != 0 {
		t.Fatalf("failed = %d, sent = %d; want 1, 0", rep.Failed, rep.Sent)
	}
	has, _ := ledger.Has(context.Background(), event.OccurrenceID("ev1", def.Start), 60)
	if has {
		t.Fatal("failed dispatch must not be recorded in the ledger")
	}

	// The provider recovers; the occurrence is still inside this window, so
	// the next tick picks the pair up again.
	disp.reject = false
	rep, err = svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if rep.Sent != 1 {
		t.Fatalf("sent = %d, want 1 after provider recovery", rep.Sent)
	}
}

func TestTickNoRecipientsNotRecorded(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	def := event.Definition{
		ID:       "ev1",
		Title:    "Quiet event",
		Category: "unsubscribed",
		Start:    now.Add(60 * time.Minute),
		Rule:     event.OneOff(),
	}
	catalog := &memCatalog{defs: []event.Definition{def}}
	subs := &memSubs{
		leads:      []int{60},
		categories: map[string][]string{"alice": {"events"}},
		userLeads:  map[string][]int{"alice": {60}},
	}
	ledger := newMemLedger()
	disp := &memDispatcher{}
	svc := New(testConfig(), catalog, subs, ledger, disp, nil, discardLogger())

	rep, err := svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.NoRecipients != 1 {
		t.Fatalf("no_recipients = %d, want 1", rep.NoRecipients)
	}
	if len(disp.sent()) != 0 {
		t.Fatal("nothing should be dispatched without recipients")
	}
	has, _ := ledger.Has(context.Background(), event.OccurrenceID("ev1", def.Start), 60)
	if has {
		t.Fatal("pair without recipients must not be recorded")
	}
}

func TestTickStoreFailureAborts(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	catalog := &memCatalog{err: errors.New("connection refused")}
	subs := &memSubs{leads: []int{60}}
	svc := New(testConfig(), catalog, subs, newMemLedger(), &memDispatcher{}, nil, discardLogger())

	if _, err := svc.RunTick(context.Background(), now); err == nil {
		t.Fatal("expected tick to abort on catalog failure")
	}
}

func TestTickIgnoresNonPositiveLeads(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	catalog := &memCatalog{}
	subs := &memSubs{leads: []int{0, -15, 60}}
	svc := New(testConfig(), catalog, subs, newMemLedger(), &memDispatcher{}, nil, discardLogger())

	rep, err := svc.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(rep.Leads) != 1 || rep.Leads[0] != 60 {
		t.Fatalf("planned leads = %v, want [60]", rep.Leads)
	}
}
