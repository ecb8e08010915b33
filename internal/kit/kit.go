// Package kit holds the narrow contracts shared between the delivery engine
// and its collaborators: payloads, message references, the outbound sender
// surface and the error taxonomy used to classify platform failures.
package kit

import (
	"context"
	"fmt"
)

// PayloadKind enumerates the content types supported for mass delivery.
type PayloadKind string

const (
	PayloadText      PayloadKind = "text"
	PayloadPhoto     PayloadKind = "photo"
	PayloadVideo     PayloadKind = "video"
	PayloadDocument  PayloadKind = "document"
	PayloadAnimation PayloadKind = "animation"
)

// Payload is the platform-agnostic message content of a scheduled post.
//
// Text carries the HTML body for text payloads and the caption for media
// payloads. FileID references media already uploaded to the platform, so a
// payload can be re-sent to any number of recipients without re-uploading.
type Payload struct {
	Kind   PayloadKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	FileID string      `json:"file_id,omitempty"`
}

// Validate reports whether the payload can be mass-delivered.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if p.Text == "" {
			return fmt.Errorf("text payload requires a body")
		}
	case PayloadPhoto, PayloadVideo, PayloadDocument, PayloadAnimation:
		if p.FileID == "" {
			return fmt.Errorf("%s payload requires a file id", p.Kind)
		}
	default:
		return fmt.Errorf("payload type %q is not supported for mass delivery", p.Kind)
	}
	return nil
}

// Preview returns a short single-line excerpt of the payload body, used in
// operator notices.
func (p Payload) Preview(max int) string {
	s := p.Text
	if s == "" {
		s = "(no text)"
	}
	if max > 0 && len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Text returns a plain text payload.
func Text(body string) Payload {
	return Payload{Kind: PayloadText, Text: body}
}

// SendRequest is one outbound delivery: a payload addressed to a single chat
// (a channel or an individual subscriber).
type SendRequest struct {
	ChatID  int64   `json:"chat_id"`
	Payload Payload `json:"payload"`
}

// MessageRef identifies a message the engine delivered earlier.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// Sender is the outbound transport surface. Implementations classify platform
// errors into the taxonomy defined in this package (ErrBlockedByUser,
// RateLimitedError, ErrMessageGone).
type Sender interface {
	Send(ctx context.Context, req SendRequest) (MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) error
	Edit(ctx context.Context, ref MessageRef, p Payload) error
}

// JoinApprover approves a single pending channel join request. Approving an
// already-approved user is a no-op upstream, which is what makes batch jobs
// safe to restart from scratch.
type JoinApprover interface {
	ApproveJoinRequest(ctx context.Context, channelID, userID int64) error
}
