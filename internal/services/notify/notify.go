// Package notify fans operator notices out to the configured chats, rate
// limited so a burst of campaign events cannot flood the operators.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"postbot/internal/kit"
	"postbot/pkg/logx"
)

type Config struct {
	ChatIDs    []int64
	RatePerSec int
}

type Service struct {
	sender kit.Sender
	log    logx.Logger

	mu      sync.RWMutex
	chatIDs []int64
	limiter *rate.Limiter
}

func New(cfg Config, sender kit.Sender, log logx.Logger) *Service {
	s := &Service{sender: sender, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the recipient list and rate limit, used on config reload.
func (s *Service) Apply(cfg Config) {
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 4
	}
	s.mu.Lock()
	s.chatIDs = append([]int64(nil), cfg.ChatIDs...)
	s.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	s.mu.Unlock()
}

// NotifyAll delivers text to every operator chat. Failures are logged per
// chat and never abort the fan-out.
func (s *Service) NotifyAll(ctx context.Context, text string) {
	s.mu.RLock()
	chatIDs := s.chatIDs
	limiter := s.limiter
	s.mu.RUnlock()

	for _, chatID := range chatIDs {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		_, err := s.sender.Send(ctx, kit.SendRequest{ChatID: chatID, Payload: kit.Text(text)})
		if err != nil {
			s.log.Warn("operator notice failed",
				logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}
}
