package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"beanprepared/internal/dispatch"
	"beanprepared/internal/eventbus"
	logx "beanprepared/pkg/logx"
)

type dispatchOutcome struct {
	sent         int
	failed       int
	noRecipients int
	err          error // store-level failure; aborts the tick
}

// dispatchOne decides one (occurrence, lead) pair: resolve recipients, send,
// record on confirmed success. The ledger write happens strictly after the
// provider confirms; the narrow crash window between the two is the accepted
// over-delivery risk, while recording first would risk silent under-delivery.
func (s *Service) dispatchOne(ctx context.Context, cfg Config, lim *rate.Limiter, log logx.Logger, j job) dispatchOutcome {
	key := ledgerKey(j.occ.ID, j.lead)
	if !s.claim(key) {
		log.Debug("pair already in flight", logx.String("occurrence", j.occ.ID), logx.Int("lead_minutes", j.lead))
		return dispatchOutcome{}
	}
	defer s.release(key)

	def := j.occ.Definition
	rcpts, err := s.subs.Recipients(ctx, def.Category, j.lead)
	if err != nil {
		return dispatchOutcome{err: fmt.Errorf("recipient query: %w", err)}
	}
	if len(rcpts) == 0 {
		// Nobody holds both subscriptions right now. Not recorded, so a later
		// tick whose window still covers the occurrence may pick it up.
		log.Debug("no recipients", logx.String("occurrence", j.occ.ID), logx.Int("lead_minutes", j.lead), logx.String("category", def.Category))
		return dispatchOutcome{noRecipients: 1}
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Tick cancelled while queued; the pair is deferred, not lost.
			return dispatchOutcome{}
		}
	}

	n := dispatch.Notification{
		Recipients: rcpts,
		Title:      cfg.Heading,
		Body:       def.Title + " starts soon.",
		Data: map[string]any{
			"event_id":      def.ID,
			"occurrence_id": j.occ.ID,
			"lead_minutes":  j.lead,
			"starts_at":     j.occ.Start.UTC().Format(time.RFC3339),
		},
	}

	// Detached from the tick context: a shutdown mid-call lets the send and
	// its ledger write finish. Abandoning a confirmed send before recording
	// it would duplicate the notification on the next tick.
	sendCtx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), cfg.DispatchTimeout)
	defer cancelSend()

	res, err := s.disp.Send(sendCtx, n)
	if err != nil {
		log.Warn("dispatch failed", logx.String("occurrence", j.occ.ID), logx.Int("lead_minutes", j.lead), logx.Err(err))
		s.publishDispatch(j, len(rcpts), false, err.Error())
		return dispatchOutcome{failed: 1}
	}
	if !res.OK {
		log.Warn("provider rejected dispatch", logx.String("occurrence", j.occ.ID), logx.Int("lead_minutes", j.lead), logx.Int("status", res.Status), logx.String("detail", res.Detail))
		s.publishDispatch(j, len(rcpts), false, res.Detail)
		return dispatchOutcome{failed: 1}
	}

	inserted, err := s.ledger.Record(sendCtx, j.occ.ID, j.lead)
	if err != nil {
		// Sent but not recorded. Surface loudly and abort the tick; the next
		// tick may re-send this pair if its window still covers it.
		log.Error("ledger write failed after confirmed dispatch", logx.String("occurrence", j.occ.ID), logx.Int("lead_minutes", j.lead), logx.Err(err))
		return dispatchOutcome{sent: 1, err: fmt.Errorf("ledger write: %w", err)}
	}
	if !inserted {
		log.Warn("pair was already recorded; overlapping scheduler instance?", logx.String("occurrence", j.occ.ID), logx.Int("lead_minutes", j.lead))
	}

	log.Info("notification dispatched",
		logx.String("occurrence", j.occ.ID),
		logx.String("event", def.ID),
		logx.Int("lead_minutes", j.lead),
		logx.Int("recipients", len(rcpts)))
	s.publishDispatch(j, len(rcpts), true, "")
	return dispatchOutcome{sent: 1}
}

func (s *Service) publishDispatch(j job, recipients int, ok bool, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: dispatchEventType(ok),
		Data: DispatchEvent{
			OccurrenceID: j.occ.ID,
			EventID:      j.occ.Definition.ID,
			Title:        j.occ.Definition.Title,
			LeadMinutes:  j.lead,
			Recipients:   recipients,
			OK:           ok,
			Detail:       detail,
			At:           time.Now(),
		},
	})
}

func dispatchEventType(ok bool) string {
	if ok {
		return "dispatch.sent"
	}
	return "dispatch.failed"
}
