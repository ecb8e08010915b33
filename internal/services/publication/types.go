// Package publication runs the scheduled-post state machine for
// fixed-audience channel posts: approval-gated publishing, lifetime-based
// retraction with an engagement report, and archival of terminal records.
package publication

import (
	"context"
	"strconv"
	"time"

	"postbot/internal/kit"
)

// State of a scheduled post. States only advance forward.
type State int

const (
	StatePreparing State = iota
	StateWaitingForRemoval
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateWaitingForRemoval:
		return "waiting_for_removal"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// PublishedInfo is one delivered copy plus the engagement figures pulled at
// retraction time.
type PublishedInfo struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
	Views     int   `json:"views,omitempty"`
	Reactions int   `json:"reactions,omitempty"`
	Forwards  int   `json:"forwards,omitempty"`
}

// Post is a scheduled publication to a fixed channel list.
//
// LifetimeMinutes controls retraction: negative means the post is never
// retracted and is archived right after the send phase; zero or positive
// means the post waits for removal once PublishAt plus the lifetime passes.
type Post struct {
	Index           int64           `json:"index"`
	CreatedAt       time.Time       `json:"created_at"`
	Creator         int64           `json:"creator"`
	State           State           `json:"state"`
	AllowedToSend   bool            `json:"allowed_to_send"`
	PublishAt       time.Time       `json:"publish_at"`
	LifetimeMinutes int             `json:"lifetime_minutes"`
	ChatIDs         []int64         `json:"chat_ids"`
	Payload         kit.Payload     `json:"payload"`
	Sent            []PublishedInfo `json:"sent,omitempty"`
}

func (p Post) Key() string { return strconv.FormatInt(p.Index, 10) }

func (p Post) dueToPublish(now time.Time) bool {
	return p.State == StatePreparing &&
		p.AllowedToSend &&
		len(p.ChatIDs) > 0 &&
		!p.PublishAt.After(now)
}

func (p Post) dueToRetract(now time.Time) bool {
	if p.State != StateWaitingForRemoval || p.LifetimeMinutes < 0 {
		return false
	}
	return !p.PublishAt.Add(time.Duration(p.LifetimeMinutes) * time.Minute).After(now)
}

// ArchivedPost is the immutable terminal copy of a post.
type ArchivedPost struct {
	Post       Post      `json:"post"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Engagement carries per-message analytics figures.
type Engagement struct {
	Views     int
	Reactions int
	Forwards  int
}

// EngagementSource pulls analytics for one delivered message. A nil source
// is allowed; retraction then reports zero engagement.
type EngagementSource interface {
	Engagement(ctx context.Context, ref kit.MessageRef) (Engagement, error)
}

// Records is the active post collection.
type Records interface {
	Get(ctx context.Context, index int64) (Post, bool, error)
	Put(ctx context.Context, p Post) error
	Delete(ctx context.Context, index int64) error
	All(ctx context.Context) ([]Post, error)
	NextIndex(ctx context.Context) (int64, error)
}

// Archive stores terminal copies.
type Archive interface {
	Add(ctx context.Context, a ArchivedPost) error
}

// Notifier delivers the operator narrative.
type Notifier interface {
	NotifyAll(ctx context.Context, text string)
}
