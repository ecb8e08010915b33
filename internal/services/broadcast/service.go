package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postbot/internal/kit"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/throttle"
	"postbot/pkg/logx"
)

// Outbound is the throttled transport surface. Satisfied by
// delivery.Channel.
type Outbound interface {
	EnqueueSend(req kit.SendRequest) *throttle.Future[kit.MessageRef]
	EnqueueDelete(ref kit.MessageRef) *throttle.Future[struct{}]
}

type Config struct {
	Poll            schedule.Spec
	PageSize        int
	CleanupPageSize int
}

type Service struct {
	cfg     Config
	records Records
	archive Archive
	roster  Roster
	out     Outbound
	notify  Notifier
	log     logx.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, records Records, archive Archive, roster Roster, out Outbound, notify Notifier, log logx.Logger) *Service {
	if cfg.Poll.IsZero() {
		cfg.Poll = schedule.MustParse("60s")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.CleanupPageSize <= 0 {
		cfg.CleanupPageSize = 100
	}
	return &Service{
		cfg:     cfg,
		records: records,
		archive: archive,
		roster:  roster,
		out:     out,
		notify:  notify,
		log:     log,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, stopCh)
	s.log.Info("broadcast manager started",
		logx.String("poll", s.cfg.Poll.String()),
		logx.Int("page_size", s.cfg.PageSize))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("broadcast manager stopped")
}

func (s *Service) run(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()
	for {
		next := s.cfg.Poll.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one poll iteration. A record found in Delivering or Cleaning
// was interrupted mid-phase by a crash; it is left for the operator, since
// no automatic resume is implemented.
func (s *Service) Sweep(ctx context.Context) {
	recs, err := s.records.All(ctx)
	if err != nil {
		s.log.Error("broadcast sweep query failed", logx.Err(err))
		return
	}
	now := time.Now()
	for _, b := range recs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.handleSafe(ctx, b, now)
	}
}

func (s *Service) handleSafe(ctx context.Context, b Broadcast, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("broadcast record handler panicked",
				logx.Int64("index", b.Index), logx.Any("panic", r))
		}
	}()
	switch {
	case b.dueToDeliver(now):
		if err := s.deliver(ctx, b); err != nil {
			s.log.Error("delivery failed", logx.Int64("index", b.Index), logx.Err(err))
		}
	case b.dueToClean(now):
		if err := s.clean(ctx, b); err != nil {
			s.log.Error("cleanup failed", logx.Int64("index", b.Index), logx.Err(err))
		}
	}
}

// deliver pages the eligible subscriber base and fans the payload out page
// by page. The Delivering state is persisted before any work so a crash
// mid-send is distinguishable from "not yet started" after restart.
func (s *Service) deliver(ctx context.Context, b Broadcast) error {
	b.State = StateDelivering
	b.Delivery = DeliveryReport{StartedAt: time.Now()}
	if err := s.records.Put(ctx, b); err != nil {
		return err
	}

	var cursor storage.Cursor
	for {
		page, err := s.roster.PageEligible(ctx, cursor, s.cfg.PageSize)
		if err != nil {
			// Cross-cutting failure: abort the phase, revoke approval,
			// report. The record stays in Delivering for the operator.
			b.AllowedToSend = false
			if perr := s.records.Put(ctx, b); perr != nil {
				s.log.Error("broadcast state write-back failed", logx.Int64("index", b.Index), logx.Err(perr))
			}
			s.notify.NotifyAll(ctx, fmt.Sprintf(
				"Broadcast #%d aborted during delivery: %v. Auto-send disabled.", b.Index, err))
			return err
		}
		if len(page) == 0 {
			break
		}

		futs := make([]*throttle.Future[kit.MessageRef], len(page))
		for i, sub := range page {
			futs[i] = s.out.EnqueueSend(kit.SendRequest{ChatID: sub.ID, Payload: b.Payload})
		}
		now := time.Now()
		for i, f := range futs {
			sub := page[i]
			ref, err := f.Wait(ctx)
			switch {
			case err == nil:
				b.Delivery.Delivered++
				if err := s.roster.AddPlacement(ctx, storage.Placement{
					BroadcastID:  b.Index,
					SubscriberID: sub.ID,
					ChatID:       ref.ChatID,
					MessageID:    ref.MessageID,
				}); err != nil {
					s.log.Error("placement record failed",
						logx.Int64("index", b.Index), logx.Int64("subscriber", sub.ID), logx.Err(err))
				}
				if err := s.roster.RecordDelivery(ctx, sub.ID, now); err != nil {
					s.log.Warn("delivery bookkeeping failed",
						logx.Int64("subscriber", sub.ID), logx.Err(err))
				}
			case kit.IsBlocked(err):
				b.Delivery.BlockedByUser++
				if err := s.roster.MarkBlocked(ctx, sub.ID); err != nil {
					s.log.Warn("blocked flag write failed",
						logx.Int64("subscriber", sub.ID), logx.Err(err))
				}
			default:
				s.log.Warn("broadcast send failed",
					logx.Int64("index", b.Index), logx.Int64("subscriber", sub.ID), logx.Err(err))
			}
		}

		last := page[len(page)-1]
		cursor = storage.Cursor{RegisteredAt: last.RegisteredAt, ID: last.ID}
		if len(page) < s.cfg.PageSize {
			break
		}
		if b.TargetDeliveryAmount > 0 && b.Delivery.Delivered >= b.TargetDeliveryAmount {
			break
		}
	}

	b.Delivery.FinishedAt = time.Now()
	elapsed := b.Delivery.FinishedAt.Sub(b.Delivery.StartedAt)
	perSec := 0.0
	if elapsed > 0 {
		perSec = float64(b.Delivery.Delivered) / elapsed.Seconds()
	}
	s.notify.NotifyAll(ctx, fmt.Sprintf(
		"Broadcast #%d delivered to %d subscriber(s) in %s (%.1f msg/s), %d blocked.",
		b.Index, b.Delivery.Delivered, elapsed.Round(time.Second), perSec, b.Delivery.BlockedByUser))

	if b.LifetimeMinutes < 0 {
		// No waiting period: retract immediately.
		return s.clean(ctx, b)
	}
	b.State = StateWaitingForRemoval
	return s.records.Put(ctx, b)
}

// clean retracts every delivered copy recorded in the placement index and
// archives the broadcast. Blocked recipients are cleaned locally without an
// outbound delete call, since the call would fail anyway. Placements are
// cleared in every path so pagination always terminates.
func (s *Service) clean(ctx context.Context, b Broadcast) error {
	b.State = StateCleaning
	b.Cleanup = CleanupReport{StartedAt: time.Now()}
	if err := s.records.Put(ctx, b); err != nil {
		return err
	}

	for {
		page, err := s.roster.PageByBroadcast(ctx, b.Index, s.cfg.CleanupPageSize)
		if err != nil {
			s.notify.NotifyAll(ctx, fmt.Sprintf(
				"Broadcast #%d aborted during cleanup: %v.", b.Index, err))
			return err
		}
		if len(page) == 0 {
			break
		}

		type pending struct {
			placement storage.Placement
			fut       *throttle.Future[struct{}]
		}
		work := make([]pending, 0, len(page))
		for _, p := range page {
			sub, ok, err := s.roster.GetSubscriber(ctx, p.SubscriberID)
			if err == nil && ok && sub.BotBlocked {
				// Delete would fail anyway; drop the bookkeeping only.
				b.Cleanup.Cleaned++
				if err := s.roster.ClearPlacement(ctx, p.BroadcastID, p.SubscriberID); err != nil {
					s.log.Error("placement clear failed", logx.Int64("subscriber", p.SubscriberID), logx.Err(err))
				}
				continue
			}
			work = append(work, pending{
				placement: p,
				fut:       s.out.EnqueueDelete(kit.MessageRef{ChatID: p.ChatID, MessageID: p.MessageID}),
			})
		}
		for _, w := range work {
			if _, err := w.fut.Wait(ctx); err != nil {
				b.Cleanup.Errors++
				s.log.Warn("broadcast copy delete failed",
					logx.Int64("index", b.Index),
					logx.Int64("subscriber", w.placement.SubscriberID),
					logx.Err(err))
			} else {
				b.Cleanup.Cleaned++
			}
			if err := s.roster.ClearPlacement(ctx, w.placement.BroadcastID, w.placement.SubscriberID); err != nil {
				s.log.Error("placement clear failed",
					logx.Int64("subscriber", w.placement.SubscriberID), logx.Err(err))
			}
		}
	}

	b.Cleanup.FinishedAt = time.Now()
	text := fmt.Sprintf("Broadcast #%d cleaned up: %d message(s) removed.",
		b.Index, b.Cleanup.Cleaned)
	if b.Cleanup.Errors > 0 {
		text += fmt.Sprintf(" %d removal(s) failed.", b.Cleanup.Errors)
	}
	s.notify.NotifyAll(ctx, text)

	b.State = StateRemoved
	if err := s.archive.Add(ctx, ArchivedBroadcast{Broadcast: b, ArchivedAt: time.Now()}); err != nil {
		return fmt.Errorf("archive broadcast %d: %w", b.Index, err)
	}
	return s.records.Delete(ctx, b.Index)
}

// Add creates a broadcast in Preparing with approval not yet granted.
func (s *Service) Add(ctx context.Context, creator int64, payload kit.Payload, publishAt time.Time, lifetimeMinutes, target int) (Broadcast, error) {
	if err := payload.Validate(); err != nil {
		return Broadcast{}, err
	}
	index, err := s.records.NextIndex(ctx)
	if err != nil {
		return Broadcast{}, err
	}
	b := Broadcast{
		Index:                index,
		CreatedAt:            time.Now(),
		Creator:              creator,
		State:                StatePreparing,
		PublishAt:            publishAt,
		LifetimeMinutes:      lifetimeMinutes,
		TargetDeliveryAmount: target,
		Payload:              payload,
	}
	if err := s.records.Put(ctx, b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

func (s *Service) mutate(ctx context.Context, index int64, fn func(*Broadcast) error) (Broadcast, error) {
	b, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return Broadcast{}, err
	}
	if !ok {
		return Broadcast{}, fmt.Errorf("broadcast %d not found", index)
	}
	if b.State != StatePreparing {
		return Broadcast{}, fmt.Errorf("broadcast %d is %s, editable only while preparing", index, b.State)
	}
	if err := fn(&b); err != nil {
		return Broadcast{}, err
	}
	b.AllowedToSend = false
	if err := s.records.Put(ctx, b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

func (s *Service) SetPayload(ctx context.Context, index int64, payload kit.Payload) (Broadcast, error) {
	return s.mutate(ctx, index, func(b *Broadcast) error {
		if err := payload.Validate(); err != nil {
			return err
		}
		b.Payload = payload
		return nil
	})
}

func (s *Service) SetSchedule(ctx context.Context, index int64, publishAt time.Time, lifetimeMinutes int) (Broadcast, error) {
	return s.mutate(ctx, index, func(b *Broadcast) error {
		b.PublishAt = publishAt
		b.LifetimeMinutes = lifetimeMinutes
		return nil
	})
}

func (s *Service) SetTarget(ctx context.Context, index int64, target int) (Broadcast, error) {
	return s.mutate(ctx, index, func(b *Broadcast) error {
		if target < 0 {
			return fmt.Errorf("target must be >= 0")
		}
		b.TargetDeliveryAmount = target
		return nil
	})
}

func (s *Service) Approve(ctx context.Context, index int64) (Broadcast, error) {
	b, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return Broadcast{}, err
	}
	if !ok {
		return Broadcast{}, fmt.Errorf("broadcast %d not found", index)
	}
	if b.State != StatePreparing {
		return Broadcast{}, fmt.Errorf("broadcast %d is %s, approval applies only while preparing", index, b.State)
	}
	b.AllowedToSend = true
	if err := s.records.Put(ctx, b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

// Terminate is the operator-initiated early stop: it runs cleanup and
// archival directly, bypassing the lifetime gate. A broadcast that never
// delivered anything simply archives with an empty cleanup report.
func (s *Service) Terminate(ctx context.Context, index int64) error {
	b, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return err
	}
	// A missing or already-removed record means cleanup happened; repeating
	// the call is a no-op.
	if !ok || b.State == StateRemoved {
		return nil
	}
	return s.clean(ctx, b)
}
