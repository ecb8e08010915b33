// Package broadcast runs the dynamic-audience delivery state machine: a
// scheduled post fanned out to a paginated, live-qualifying subscriber set
// with a target delivery cap, then bulk-retracted once its lifetime passes.
package broadcast

import (
	"context"
	"strconv"
	"time"

	"postbot/internal/kit"
	"postbot/internal/storage"
)

// State of a broadcast. States only advance forward.
type State int

const (
	StatePreparing State = iota
	StateDelivering
	StateWaitingForRemoval
	StateCleaning
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateDelivering:
		return "delivering"
	case StateWaitingForRemoval:
		return "waiting_for_removal"
	case StateCleaning:
		return "cleaning"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// DeliveryReport is populated at the Delivering→WaitingForRemoval
// transition.
type DeliveryReport struct {
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	Delivered     int       `json:"delivered"`
	BlockedByUser int       `json:"blocked_by_user"`
}

// CleanupReport is populated at the Cleaning→Removed transition.
type CleanupReport struct {
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Cleaned    int       `json:"cleaned"`
	Errors     int       `json:"errors"`
}

// Broadcast is a scheduled delivery to the subscriber base. Recipients are
// not known at creation time; they are resolved by a live eligibility query
// during the delivery phase.
//
// TargetDeliveryAmount caps successful deliveries; zero means unlimited.
// A negative LifetimeMinutes cleans up immediately after delivery, skipping
// the waiting state.
type Broadcast struct {
	Index                int64          `json:"index"`
	CreatedAt            time.Time      `json:"created_at"`
	Creator              int64          `json:"creator"`
	State                State          `json:"state"`
	AllowedToSend        bool           `json:"allowed_to_send"`
	PublishAt            time.Time      `json:"publish_at"`
	LifetimeMinutes      int            `json:"lifetime_minutes"`
	TargetDeliveryAmount int            `json:"target_delivery_amount"`
	Payload              kit.Payload    `json:"payload"`
	Delivery             DeliveryReport `json:"delivery"`
	Cleanup              CleanupReport  `json:"cleanup"`
}

func (b Broadcast) Key() string { return strconv.FormatInt(b.Index, 10) }

func (b Broadcast) dueToDeliver(now time.Time) bool {
	return b.State == StatePreparing &&
		b.AllowedToSend &&
		!b.PublishAt.After(now)
}

func (b Broadcast) dueToClean(now time.Time) bool {
	if b.State != StateWaitingForRemoval {
		return false
	}
	return !b.PublishAt.Add(time.Duration(b.LifetimeMinutes) * time.Minute).After(now)
}

// ArchivedBroadcast is the immutable terminal copy.
type ArchivedBroadcast struct {
	Broadcast  Broadcast `json:"broadcast"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Records is the active broadcast collection.
type Records interface {
	Get(ctx context.Context, index int64) (Broadcast, bool, error)
	Put(ctx context.Context, b Broadcast) error
	Delete(ctx context.Context, index int64) error
	All(ctx context.Context) ([]Broadcast, error)
	NextIndex(ctx context.Context) (int64, error)
}

type Archive interface {
	Add(ctx context.Context, a ArchivedBroadcast) error
}

// Roster is the subscriber query surface the delivery and cleanup loops
// page through. Satisfied by *storage.Store.
type Roster interface {
	PageEligible(ctx context.Context, after storage.Cursor, limit int) ([]storage.Subscriber, error)
	GetSubscriber(ctx context.Context, id int64) (storage.Subscriber, bool, error)
	MarkBlocked(ctx context.Context, id int64) error
	RecordDelivery(ctx context.Context, id int64, at time.Time) error
	AddPlacement(ctx context.Context, p storage.Placement) error
	PageByBroadcast(ctx context.Context, broadcastID int64, limit int) ([]storage.Placement, error)
	ClearPlacement(ctx context.Context, broadcastID, subscriberID int64) error
}

type Notifier interface {
	NotifyAll(ctx context.Context, text string)
}
