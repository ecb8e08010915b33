package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"postbot/internal/kit"
	"postbot/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	sends []kit.SendRequest
	fail  map[int64]error
}

func (c *captureSender) Send(ctx context.Context, req kit.SendRequest) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[req.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	c.sends = append(c.sends, req)
	return kit.MessageRef{ChatID: req.ChatID, MessageID: len(c.sends)}, nil
}

func (c *captureSender) Delete(ctx context.Context, ref kit.MessageRef) error { return nil }

func (c *captureSender) Edit(ctx context.Context, ref kit.MessageRef, p kit.Payload) error {
	return nil
}

func TestNotifyAllFansOut(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	s := New(Config{ChatIDs: []int64{1, 2, 3}, RatePerSec: 100}, cs, logx.Nop())

	s.NotifyAll(context.Background(), "report")
	if len(cs.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(cs.sends))
	}
	for i, req := range cs.sends {
		if req.ChatID != int64(i+1) || req.Payload.Text != "report" {
			t.Fatalf("send %d = %+v", i, req)
		}
	}
}

func TestNotifyAllContinuesPastFailure(t *testing.T) {
	t.Parallel()
	cs := &captureSender{fail: map[int64]error{2: errors.New("down")}}
	s := New(Config{ChatIDs: []int64{1, 2, 3}, RatePerSec: 100}, cs, logx.Nop())

	s.NotifyAll(context.Background(), "x")
	if len(cs.sends) != 2 {
		t.Fatalf("sends = %d, want 2 (chat 2 fails)", len(cs.sends))
	}
}

func TestApplyReplacesRecipients(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	s := New(Config{ChatIDs: []int64{1}, RatePerSec: 100}, cs, logx.Nop())
	s.Apply(Config{ChatIDs: []int64{9}, RatePerSec: 100})

	s.NotifyAll(context.Background(), "x")
	if len(cs.sends) != 1 || cs.sends[0].ChatID != 9 {
		t.Fatalf("sends = %+v", cs.sends)
	}
}
