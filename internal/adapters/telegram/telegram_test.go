package telegram

import (
	"errors"
	"fmt"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/kit"
)

func TestClassifyBlockedClass(t *testing.T) {
	t.Parallel()
	for _, err := range []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrNotStartedByUser,
		errors.New("telegram: Forbidden: bot was blocked by the user (403)"),
	} {
		if !kit.IsBlocked(classify(err)) {
			t.Fatalf("classify(%v) not blocked", err)
		}
	}
}

func TestClassifyFlood(t *testing.T) {
	t.Parallel()
	err := tele.FloodError{
		RetryAfter: 7,
	}
	got := classify(err)
	var rl *kit.RateLimitedError
	if !errors.As(got, &rl) {
		t.Fatalf("classify = %v, want RateLimitedError", got)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %v", rl.RetryAfter)
	}
}

func TestClassifyMessageGone(t *testing.T) {
	t.Parallel()
	err := errors.New("telegram: Bad Request: message to delete not found (400)")
	if !errors.Is(classify(err), kit.ErrMessageGone) {
		t.Fatalf("classify = %v", classify(err))
	}
}

func TestClassifyPassthrough(t *testing.T) {
	t.Parallel()
	base := fmt.Errorf("telegram: Bad Request: chat not found (400)")
	if got := classify(base); got != base {
		t.Fatalf("classify rewrote unrelated error: %v", got)
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
}

func TestSendableMapsPayloadKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload kit.Payload
		check   func(any) bool
	}{
		{
			name:    "text",
			payload: kit.Text("<b>hi</b>"),
			check:   func(v any) bool { s, ok := v.(string); return ok && s == "<b>hi</b>" },
		},
		{
			name:    "photo",
			payload: kit.Payload{Kind: kit.PayloadPhoto, FileID: "f1", Text: "cap"},
			check: func(v any) bool {
				p, ok := v.(*tele.Photo)
				return ok && p.FileID == "f1" && p.Caption == "cap"
			},
		},
		{
			name:    "video",
			payload: kit.Payload{Kind: kit.PayloadVideo, FileID: "f2"},
			check:   func(v any) bool { _, ok := v.(*tele.Video); return ok },
		},
		{
			name:    "document",
			payload: kit.Payload{Kind: kit.PayloadDocument, FileID: "f3"},
			check:   func(v any) bool { _, ok := v.(*tele.Document); return ok },
		},
		{
			name:    "animation",
			payload: kit.Payload{Kind: kit.PayloadAnimation, FileID: "f4"},
			check:   func(v any) bool { _, ok := v.(*tele.Animation); return ok },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := sendable(tt.payload)
			if err != nil {
				t.Fatalf("sendable: %v", err)
			}
			if !tt.check(got) {
				t.Fatalf("sendable = %T %v", got, got)
			}
		})
	}
}

func TestSendableRejectsInvalid(t *testing.T) {
	t.Parallel()
	if _, err := sendable(kit.Payload{Kind: kit.PayloadPhoto}); err == nil {
		t.Fatal("expected error for photo without file id")
	}
	if _, err := sendable(kit.Payload{Kind: "sticker"}); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}
