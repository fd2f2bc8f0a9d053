// Package engine implements the notification tick: recurrence expansion,
// window planning, ledger filtering, recipient resolution, and dispatch.
//
// One call to RunTick is one tick. The engine does not serialize ticks
// across process invocations; the invoker must guarantee ticks do not
// overlap (internal/app does this with a skip-if-still-running cron chain).
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"beanprepared/internal/event"
	"beanprepared/internal/eventbus"
	logx "beanprepared/pkg/logx"
)

// DispatchEvent is published on the bus for every dispatch attempt.
type DispatchEvent struct {
	OccurrenceID string    `json:"occurrence_id"`
	EventID      string    `json:"event_id"`
	Title        string    `json:"title"`
	LeadMinutes  int       `json:"lead_minutes"`
	Recipients   int       `json:"recipients"`
	OK           bool      `json:"ok"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log     logx.Logger
	catalog Catalog
	subs    Subscriptions
	ledger  Ledger
	disp    Dispatcher
	bus     eventbus.Bus

	// inflight serializes check-then-act per (occurrence, lead) key so two
	// workers never race the same pair past the ledger check.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	totTicks     atomic.Uint64
	totSent      atomic.Uint64
	totFailed    atomic.Uint64
	totRejected  atomic.Uint64
	totTruncated atomic.Uint64

	lastMu sync.Mutex
	last   *TickReport
}

func New(cfg Config, catalog Catalog, subs Subscriptions, ledger Ledger, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:      log,
		catalog:  catalog,
		subs:     subs,
		ledger:   ledger,
		disp:     disp,
		bus:      bus,
		inflight: map[string]struct{}{},
	}
}

// Apply updates the live knobs. Safe to call between ticks (config reload).
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Snapshot returns lifetime counters and the last tick report.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Totals: Totals{
			Ticks:     s.totTicks.Load(),
			Sent:      s.totSent.Load(),
			Failed:    s.totFailed.Load(),
			Rejected:  s.totRejected.Load(),
			Truncated: s.totTruncated.Load(),
		},
	}
	s.lastMu.Lock()
	if s.last != nil {
		cp := *s.last
		snap.LastTick = &cp
	}
	s.lastMu.Unlock()
	return snap
}

// RunTick executes one scheduler tick at the given instant.
//
// A store failure aborts the remaining work for this tick; ledger entries
// already written stay valid, and the next tick recomputes everything from
// source data. Dispatch failures never abort the tick.
func (s *Service) RunTick(ctx context.Context, now time.Time) (TickReport, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	started := time.Now()
	rep := TickReport{ID: uuid.NewString(), Now: now}
	log := s.log.With(logx.String("tick", rep.ID))

	finish := func(err error) (TickReport, error) {
		rep.Duration = time.Since(started)
		if err != nil {
			rep.Error = err.Error()
			log.Error("tick aborted", logx.Err(err), logx.Duration("dur", rep.Duration))
		}
		s.totTicks.Add(1)
		s.totSent.Add(uint64(rep.Sent))
		s.totFailed.Add(uint64(rep.Failed))
		s.lastMu.Lock()
		cp := rep
		s.last = &cp
		s.lastMu.Unlock()
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "tick.completed", Data: cp})
		}
		return rep, err
	}

	// Lead times are user-defined, so the distinct set is re-read live on
	// every tick instead of being configured.
	leads, err := s.subs.LeadMinutesInUse(ctx)
	if err != nil {
		return finish(fmt.Errorf("lead query: %w", err))
	}

	var jobs []job
	for _, lead := range leads {
		if lead <= 0 {
			log.Debug("ignoring non-positive lead time", logx.Int("lead_minutes", lead))
			continue
		}
		rep.Leads = append(rep.Leads, lead)
		win := PlanWindow(now, lead, cfg.Pad)

		defs, err := s.catalog.DefinitionsInWindow(ctx, win.Start, win.End)
		if err != nil {
			return finish(fmt.Errorf("catalog query: %w", err))
		}
		for _, def := range defs {
			ex, err := event.Expand(def, event.Between(win.Start, win.End), cfg.MaxOccurrences)
			if err != nil {
				rep.Rejected++
				s.totRejected.Add(1)
				log.Warn("skipping malformed definition", logx.String("event", def.ID), logx.Err(err))
				continue
			}
			if ex.Truncated {
				rep.Truncated++
				s.totTruncated.Add(1)
				log.Warn("expansion hit occurrence cap; fix the definition upstream", logx.String("event", def.ID))
			}
			for _, occ := range ex.Occurrences {
				sent, err := s.ledger.Has(ctx, occ.ID, lead)
				if err != nil {
					return finish(fmt.Errorf("ledger query: %w", err))
				}
				if sent {
					continue
				}
				jobs = append(jobs, job{occ: occ, lead: lead})
			}
		}
	}

	rep.Candidates = len(jobs)
	if len(jobs) == 0 {
		log.Debug("no candidates this tick", logx.Any("leads", rep.Leads))
		return finish(nil)
	}
	log.Info("tick candidates", logx.Int("count", len(jobs)), logx.Any("leads", rep.Leads))

	// Pairs are independent; fan them out over a bounded pool so one stalled
	// provider call cannot block the rest. A store failure cancels pending
	// work; jobs not yet started are simply deferred to the next tick.
	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	workers := cfg.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var (
		wg       sync.WaitGroup
		outMu    sync.Mutex
		firstErr error
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for j := range queue {
				select {
				case <-tickCtx.Done():
					return
				default:
				}
				out := s.dispatchOne(tickCtx, cfg, lim, log, j)
				outMu.Lock()
				rep.Sent += out.sent
				rep.Failed += out.failed
				rep.NoRecipients += out.noRecipients
				if out.err != nil && firstErr == nil {
					firstErr = out.err
					cancel()
				}
				outMu.Unlock()
			}
		}()
	}
	wg.Wait()

	return finish(firstErr)
}

func (s *Service) claim(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}

func ledgerKey(occurrenceID string, leadMinutes int) string {
	return fmt.Sprintf("%s|%d", occurrenceID, leadMinutes)
}
