package publication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/kit"
	"postbot/internal/schedule"
	"postbot/internal/throttle"
	"postbot/pkg/logx"
)

// Outbound is the throttled transport surface the manager publishes
// through. Satisfied by delivery.Channel.
type Outbound interface {
	EnqueueSend(req kit.SendRequest) *throttle.Future[kit.MessageRef]
	EnqueueDelete(ref kit.MessageRef) *throttle.Future[struct{}]
	Edit(ctx context.Context, ref kit.MessageRef, p kit.Payload) error
}

type Config struct {
	Poll schedule.Spec
}

type Service struct {
	cfg        Config
	records    Records
	archive    Archive
	out        Outbound
	engagement EngagementSource // nil allowed
	notify     Notifier
	log        logx.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, records Records, archive Archive, out Outbound, engagement EngagementSource, notify Notifier, log logx.Logger) *Service {
	if cfg.Poll.IsZero() {
		cfg.Poll = schedule.MustParse("60s")
	}
	return &Service{
		cfg:        cfg,
		records:    records,
		archive:    archive,
		out:        out,
		engagement: engagement,
		notify:     notify,
		log:        log,
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
	s.log.Info("publication manager started", logx.String("poll", s.cfg.Poll.String()))
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
	s.log.Info("publication manager stopped")
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

// Sweep runs one poll iteration: publish due posts and retract expired ones.
// Each record is handled under its own panic guard so one bad record cannot
// take down the loop.
func (s *Service) Sweep(ctx context.Context) {
	posts, err := s.records.All(ctx)
	if err != nil {
		s.log.Error("publication sweep query failed", logx.Err(err))
		return
	}
	now := time.Now()
	for _, p := range posts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.handleSafe(ctx, p, now)
	}
}

func (s *Service) handleSafe(ctx context.Context, p Post, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publication record handler panicked",
				logx.Int64("index", p.Index), logx.Any("panic", r))
		}
	}()
	switch {
	case p.dueToPublish(now):
		if err := s.publish(ctx, p); err != nil {
			s.log.Error("publish failed", logx.Int64("index", p.Index), logx.Err(err))
		}
	case p.dueToRetract(now):
		if err := s.retract(ctx, p); err != nil {
			s.log.Error("retract failed", logx.Int64("index", p.Index), logx.Err(err))
		}
	}
}

// publish fans the payload out to every target channel and joins on all
// futures. Sent is populated exactly once, here. Any send failure keeps the
// record in Preparing with approval revoked; the operator must re-approve,
// accepting that already-delivered copies make a retry at-least-once.
func (s *Service) publish(ctx context.Context, p Post) error {
	futs := make([]*throttle.Future[kit.MessageRef], len(p.ChatIDs))
	for i, chatID := range p.ChatIDs {
		futs[i] = s.out.EnqueueSend(kit.SendRequest{ChatID: chatID, Payload: p.Payload})
	}

	var (
		sent    []PublishedInfo
		sendErr error
	)
	for i, f := range futs {
		ref, err := f.Wait(ctx)
		if err != nil {
			if sendErr == nil {
				sendErr = fmt.Errorf("chat %d: %w", p.ChatIDs[i], err)
			}
			continue
		}
		sent = append(sent, PublishedInfo{ChatID: ref.ChatID, MessageID: ref.MessageID})
	}

	if sendErr != nil {
		p.AllowedToSend = false
		if err := s.records.Put(ctx, p); err != nil {
			return err
		}
		s.notify.NotifyAll(ctx, fmt.Sprintf(
			"Post #%d failed to publish: %v. Auto-send disabled, re-approve after fixing.",
			p.Index, sendErr))
		return sendErr
	}

	p.Sent = sent
	s.notify.NotifyAll(ctx, fmt.Sprintf(
		"Post #%d published to %d channel(s): %s",
		p.Index, len(sent), p.Payload.Preview(60)))

	if p.LifetimeMinutes < 0 {
		// Never retracted: archive right after the send phase.
		return s.finalize(ctx, p)
	}
	p.State = StateWaitingForRemoval
	return s.records.Put(ctx, p)
}

// retract deletes every delivered copy, pulls engagement figures, reports
// the aggregate and archives. Per-channel delete failures are tolerated;
// partial retraction is surfaced in the report.
func (s *Service) retract(ctx context.Context, p Post) error {
	futs := make([]*throttle.Future[struct{}], len(p.Sent))
	for i, info := range p.Sent {
		futs[i] = s.out.EnqueueDelete(kit.MessageRef{ChatID: info.ChatID, MessageID: info.MessageID})
	}
	deleteErrors := 0
	for i, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			deleteErrors++
			s.log.Warn("retraction delete failed",
				logx.Int64("index", p.Index),
				logx.Int64("chat_id", p.Sent[i].ChatID),
				logx.Err(err))
		}
	}

	s.pullEngagement(ctx, &p)

	var views, reactions, forwards int
	for _, info := range p.Sent {
		views += info.Views
		reactions += info.Reactions
		forwards += info.Forwards
	}
	text := fmt.Sprintf(
		"Post #%d retracted from %d channel(s). Views: %d, reactions: %d, forwards: %d.",
		p.Index, len(p.Sent), views, reactions, forwards)
	if deleteErrors > 0 {
		text += fmt.Sprintf(" %d delete(s) failed.", deleteErrors)
	}
	s.notify.NotifyAll(ctx, text)

	return s.finalize(ctx, p)
}

func (s *Service) pullEngagement(ctx context.Context, p *Post) {
	if s.engagement == nil {
		return
	}
	for i, info := range p.Sent {
		eng, err := s.engagement.Engagement(ctx, kit.MessageRef{ChatID: info.ChatID, MessageID: info.MessageID})
		if err != nil {
			s.log.Warn("engagement pull failed",
				logx.Int64("index", p.Index),
				logx.Int64("chat_id", info.ChatID),
				logx.Err(err))
			continue
		}
		p.Sent[i].Views = eng.Views
		p.Sent[i].Reactions = eng.Reactions
		p.Sent[i].Forwards = eng.Forwards
	}
}

// finalize archives the post and deletes the active record in the same
// logical step, so no terminal record lingers in the active collection.
func (s *Service) finalize(ctx context.Context, p Post) error {
	p.State = StateRemoved
	if err := s.archive.Add(ctx, ArchivedPost{Post: p, ArchivedAt: time.Now()}); err != nil {
		return fmt.Errorf("archive post %d: %w", p.Index, err)
	}
	return s.records.Delete(ctx, p.Index)
}

// Add creates a new post in Preparing with approval not yet granted.
func (s *Service) Add(ctx context.Context, creator int64, payload kit.Payload, chatIDs []int64, publishAt time.Time, lifetimeMinutes int) (Post, error) {
	if err := payload.Validate(); err != nil {
		return Post{}, err
	}
	index, err := s.records.NextIndex(ctx)
	if err != nil {
		return Post{}, err
	}
	p := Post{
		Index:           index,
		CreatedAt:       time.Now(),
		Creator:         creator,
		State:           StatePreparing,
		PublishAt:       publishAt,
		LifetimeMinutes: lifetimeMinutes,
		ChatIDs:         append([]int64(nil), chatIDs...),
		Payload:         payload,
	}
	if err := s.records.Put(ctx, p); err != nil {
		return Post{}, err
	}
	return p, nil
}

// mutate applies fn to a post still in Preparing and revokes approval, so a
// stale configuration is never published silently.
func (s *Service) mutate(ctx context.Context, index int64, fn func(*Post) error) (Post, error) {
	p, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return Post{}, err
	}
	if !ok {
		return Post{}, fmt.Errorf("post %d not found", index)
	}
	if p.State != StatePreparing {
		return Post{}, fmt.Errorf("post %d is %s, editable only while preparing", index, p.State)
	}
	if err := fn(&p); err != nil {
		return Post{}, err
	}
	p.AllowedToSend = false
	if err := s.records.Put(ctx, p); err != nil {
		return Post{}, err
	}
	return p, nil
}

func (s *Service) SetPayload(ctx context.Context, index int64, payload kit.Payload) (Post, error) {
	return s.mutate(ctx, index, func(p *Post) error {
		if err := payload.Validate(); err != nil {
			return err
		}
		p.Payload = payload
		return nil
	})
}

func (s *Service) SetChats(ctx context.Context, index int64, chatIDs []int64) (Post, error) {
	return s.mutate(ctx, index, func(p *Post) error {
		p.ChatIDs = append([]int64(nil), chatIDs...)
		return nil
	})
}

func (s *Service) SetSchedule(ctx context.Context, index int64, publishAt time.Time, lifetimeMinutes int) (Post, error) {
	return s.mutate(ctx, index, func(p *Post) error {
		p.PublishAt = publishAt
		p.LifetimeMinutes = lifetimeMinutes
		return nil
	})
}

// Approve grants the send gate for a prepared post.
func (s *Service) Approve(ctx context.Context, index int64) (Post, error) {
	p, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return Post{}, err
	}
	if !ok {
		return Post{}, fmt.Errorf("post %d not found", index)
	}
	if p.State != StatePreparing {
		return Post{}, fmt.Errorf("post %d is %s, approval applies only while preparing", index, p.State)
	}
	p.AllowedToSend = true
	if err := s.records.Put(ctx, p); err != nil {
		return Post{}, err
	}
	return p, nil
}

// Terminate is the operator-initiated unpublish: allowed only once the post
// is waiting for removal, and runs the same retraction sequence out of band
// from the poll loop.
func (s *Service) Terminate(ctx context.Context, index int64) error {
	p, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return err
	}
	// A missing or already-removed record means retraction happened;
	// repeating the call is a no-op.
	if !ok || p.State == StateRemoved {
		return nil
	}
	if p.State != StateWaitingForRemoval {
		return fmt.Errorf("post %d is %s, termination applies only while waiting for removal", index, p.State)
	}
	return s.retract(ctx, p)
}

// UpdatePublished edits the already-delivered copies of a post in place,
// without touching schedule state. Allowed only while waiting for removal.
func (s *Service) UpdatePublished(ctx context.Context, index int64, payload kit.Payload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	p, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("post %d not found", index)
	}
	if p.State != StateWaitingForRemoval {
		return fmt.Errorf("post %d is %s, editing published copies applies only while waiting for removal", index, p.State)
	}
	var firstErr error
	for _, info := range p.Sent {
		ref := kit.MessageRef{ChatID: info.ChatID, MessageID: info.MessageID}
		if err := s.out.Edit(ctx, ref, payload); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("chat %d: %w", info.ChatID, err)
			}
			s.log.Warn("published copy edit failed",
				logx.Int64("index", index), logx.Int64("chat_id", info.ChatID), logx.Err(err))
		}
	}
	if firstErr != nil {
		return firstErr
	}
	p.Payload = payload
	return s.records.Put(ctx, p)
}

// AnalyticsReport renders the per-channel engagement figures of a published
// post as operator-readable text.
func (s *Service) AnalyticsReport(ctx context.Context, index int64) (string, error) {
	p, ok, err := s.records.Get(ctx, index)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("post %d not found", index)
	}
	if len(p.Sent) == 0 {
		return fmt.Sprintf("Post #%d has not been published yet.", index), nil
	}
	s.pullEngagement(ctx, &p)

	var b strings.Builder
	fmt.Fprintf(&b, "Post #%d (%s)\n", p.Index, p.State)
	var views, reactions, forwards int
	for _, info := range p.Sent {
		fmt.Fprintf(&b, "chat %d: views %d, reactions %d, forwards %d\n",
			info.ChatID, info.Views, info.Reactions, info.Forwards)
		views += info.Views
		reactions += info.Reactions
		forwards += info.Forwards
	}
	fmt.Fprintf(&b, "total: views %d, reactions %d, forwards %d", views, reactions, forwards)
	return b.String(), nil
}
