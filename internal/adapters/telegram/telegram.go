// Package telegram adapts the telebot client to the engine's narrow outbound
// surfaces and classifies platform errors into the shared taxonomy.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/kit"
	"postbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// JoinRequestFunc receives every incoming channel join request.
type JoinRequestFunc func(ctx context.Context, channelID, userID int64)

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	onJoinRequest JoinRequestFunc

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// NewWithBot wires an existing client, used by tests with a local API stub.
func NewWithBot(b *tele.Bot, log logx.Logger) *Adapter {
	return &Adapter{bot: b, log: log}
}

// SetJoinRequestHandler registers the callback invoked for incoming join
// requests. Must be called before Start.
func (a *Adapter) SetJoinRequestHandler(fn JoinRequestFunc) { a.onJoinRequest = fn }

// Start begins long polling. Polling only feeds the join-request intake;
// outbound calls work whether or not polling runs.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle(tele.OnChatJoinRequest, func(c tele.Context) error {
		req := c.Update().ChatJoinRequest
		if req == nil || req.Chat == nil || req.Sender == nil {
			return nil
		}
		if a.onJoinRequest != nil {
			a.onJoinRequest(rctx, req.Chat.ID, req.Sender.ID)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()
	return nil
}

// Stop halts polling. Best-effort: never blocks shutdown for long on a
// pending long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

var sendOpts = &tele.SendOptions{
	ParseMode:             tele.ModeHTML,
	DisableWebPagePreview: true,
}

func (a *Adapter) Send(ctx context.Context, req kit.SendRequest) (kit.MessageRef, error) {
	to := tele.ChatID(req.ChatID)
	what, err := sendable(req.Payload)
	if err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(to, what, sendOpts)
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: req.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) Delete(ctx context.Context, ref kit.MessageRef) error {
	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
	if err := a.bot.Delete(stored); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Edit(ctx context.Context, ref kit.MessageRef, p kit.Payload) error {
	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
	var err error
	if p.Kind == kit.PayloadText {
		_, err = a.bot.Edit(stored, p.Text, sendOpts)
	} else {
		// Media payloads keep the file and get a new caption.
		_, err = a.bot.EditCaption(stored, p.Text, sendOpts)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) ApproveJoinRequest(ctx context.Context, channelID, userID int64) error {
	chat := &tele.Chat{ID: channelID}
	user := &tele.User{ID: userID}
	if err := a.bot.ApproveJoinRequest(chat, user); err != nil {
		return classify(err)
	}
	return nil
}

// sendable maps a payload to the telebot argument for Bot.Send.
func sendable(p kit.Payload) (any, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	file := tele.File{FileID: p.FileID}
	switch p.Kind {
	case kit.PayloadText:
		return p.Text, nil
	case kit.PayloadPhoto:
		return &tele.Photo{File: file, Caption: p.Text}, nil
	case kit.PayloadVideo:
		return &tele.Video{File: file, Caption: p.Text}, nil
	case kit.PayloadDocument:
		return &tele.Document{File: file, Caption: p.Text}, nil
	case kit.PayloadAnimation:
		return &tele.Animation{File: file, Caption: p.Text}, nil
	}
	return nil, errors.New("unsupported payload kind")
}

// classify folds telebot errors into the engine's taxonomy. Everything not
// recognized passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser):
		return kit.ErrBlockedByUser
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "message can't be deleted") {
		return kit.ErrMessageGone
	}
	// Description-based fallback for blocked-class failures that arrive
	// without a matching sentinel.
	if strings.Contains(msg, "bot was blocked by the user") ||
		strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "bot can't initiate conversation") {
		return kit.ErrBlockedByUser
	}
	return err
}
