// Package delivery maintains one throttled sender/deleter executor pair per
// bot credential, so every credential stays under the platform's per-bot
// rate ceiling no matter how many campaigns share it.
package delivery

import (
	"context"
	"sync"
	"time"

	"postbot/internal/kit"
	"postbot/internal/throttle"
	"postbot/pkg/logx"
)

// SenderFactory builds the outbound transport for one credential token.
type SenderFactory func(token string) (kit.Sender, error)

type Config struct {
	// SendRate and DeleteRate are dispatch quotas per Interval.
	SendRate   int
	DeleteRate int
	Interval   time.Duration
}

// Channel is the throttled outbound surface for a single credential. All
// callers sharing a credential share one Channel, so their traffic is
// throttled jointly.
type Channel struct {
	sender kit.Sender
	sendEx *throttle.Executor[kit.SendRequest, kit.MessageRef]
	delEx  *throttle.Executor[kit.MessageRef, struct{}]
}

// EnqueueSend queues one delivery and returns its completion handle.
func (c *Channel) EnqueueSend(req kit.SendRequest) *throttle.Future[kit.MessageRef] {
	return c.sendEx.Enqueue(req)
}

// EnqueueDelete queues one retraction.
func (c *Channel) EnqueueDelete(ref kit.MessageRef) *throttle.Future[struct{}] {
	return c.delEx.Enqueue(ref)
}

// Edit bypasses the queues: edits are rare operator actions, not bulk
// traffic.
func (c *Channel) Edit(ctx context.Context, ref kit.MessageRef, p kit.Payload) error {
	return c.sender.Edit(ctx, ref, p)
}

// QueueDepth reports pending sends and deletes.
func (c *Channel) QueueDepth() (sends, deletes int) {
	return c.sendEx.Len(), c.delEx.Len()
}

// Pool lazily builds Channels keyed by credential token.
type Pool struct {
	cfg     Config
	factory SenderFactory
	log     logx.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	started  bool
	runCtx   context.Context
}

func NewPool(cfg Config, factory SenderFactory, log logx.Logger) *Pool {
	if cfg.SendRate <= 0 {
		cfg.SendRate = 25
	}
	if cfg.DeleteRate <= 0 {
		cfg.DeleteRate = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Pool{
		cfg:      cfg,
		factory:  factory,
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// Channel returns the executor pair for a credential, building and caching
// it on first use. A channel created after Start is started immediately.
func (p *Pool) Channel(token string) (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.channels[token]; ok {
		return ch, nil
	}
	sender, err := p.factory(token)
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		sender: sender,
		sendEx: throttle.New("send", p.cfg.SendRate, p.cfg.Interval,
			func(ctx context.Context, req kit.SendRequest) (kit.MessageRef, error) {
				return sender.Send(ctx, req)
			}, p.log),
		delEx: throttle.New("delete", p.cfg.DeleteRate, p.cfg.Interval,
			func(ctx context.Context, ref kit.MessageRef) (struct{}, error) {
				return struct{}{}, sender.Delete(ctx, ref)
			}, p.log),
	}
	p.channels[token] = ch
	if p.started {
		ch.sendEx.Start(p.runCtx)
		ch.delEx.Start(p.runCtx)
	}
	p.log.Debug("delivery channel created",
		logx.Int("send_rate", p.cfg.SendRate),
		logx.Int("delete_rate", p.cfg.DeleteRate))
	return ch, nil
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.runCtx = ctx
	for _, ch := range p.channels {
		ch.sendEx.Start(ctx)
		ch.delEx.Start(ctx)
	}
}

// Stop halts dispatch on every channel. Queued items stay pending; callers
// that must flush await the individual futures before stopping.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	channels := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.started = false
	p.runCtx = nil
	p.mu.Unlock()

	for _, ch := range channels {
		ch.sendEx.Stop(ctx)
		ch.delEx.Stop(ctx)
	}
}

// Idle blocks until every in-flight action across the pool finished.
func (p *Pool) Idle(ctx context.Context) error {
	p.mu.Lock()
	channels := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.mu.Unlock()

	for _, ch := range channels {
		if err := ch.sendEx.Idle(ctx); err != nil {
			return err
		}
		if err := ch.delEx.Idle(ctx); err != nil {
			return err
		}
	}
	return nil
}
