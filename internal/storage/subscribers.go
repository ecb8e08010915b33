package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Engagement classifies a subscriber's reaction to onboarding. Deliveries
// go to subscribers whose engagement is unknown or who passed onboarding;
// the rest stay on the roster but are skipped.
type Engagement int

const (
	EngagementUnknown Engagement = iota
	EngagementPassed
	EngagementIgnored
	EngagementNone
)

type Subscriber struct {
	ID             int64
	RegisteredAt   time.Time
	Engagement     Engagement
	BotBlocked     bool
	LastDelivery   time.Time
	DeliveredCount int
}

// Cursor addresses a position in the registration-ordered roster. The zero
// cursor starts from the beginning.
type Cursor struct {
	RegisteredAt time.Time
	ID           int64
}

// Placement records one delivered broadcast copy so cleanup can retract it.
type Placement struct {
	BroadcastID  int64
	SubscriberID int64
	ChatID       int64
	MessageID    int
}

type JoinRequest struct {
	ChannelID   int64
	UserID      int64
	RequestedAt time.Time
}

// timeLayout keeps the fractional second zero-padded to full width, so the
// stored strings sort lexicographically in chronological order. RFC3339Nano
// trims trailing zeros, which breaks keyset comparisons at page boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func (s *Store) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, registered_at, engagement, bot_blocked, last_delivery, delivered_count)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET engagement=excluded.engagement`,
		sub.ID, formatTime(sub.RegisteredAt), int(sub.Engagement),
		boolInt(sub.BotBlocked), nullTime(sub.LastDelivery), sub.DeliveredCount,
	)
	return err
}

func (s *Store) GetSubscriber(ctx context.Context, id int64) (Subscriber, bool, error) {
	var (
		sub        Subscriber
		registered string
		engagement int
		blocked    int
		last       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, registered_at, engagement, bot_blocked, last_delivery, delivered_count
		 FROM subscribers WHERE id = ?`, id,
	).Scan(&sub.ID, &registered, &engagement, &blocked, &last, &sub.DeliveredCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, err
	}
	sub.RegisteredAt = parseTime(registered)
	sub.Engagement = Engagement(engagement)
	sub.BotBlocked = blocked != 0
	if last.Valid {
		sub.LastDelivery = parseTime(last.String)
	}
	return sub, true, nil
}

// PageEligible returns up to limit deliverable subscribers strictly after
// the cursor, ordered by registration time then id. A subscriber is
// deliverable when not marked blocked and engagement is unknown or passed.
func (s *Store) PageEligible(ctx context.Context, after Cursor, limit int) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, registered_at, engagement, bot_blocked, last_delivery, delivered_count
		 FROM subscribers
		 WHERE bot_blocked = 0
		   AND engagement IN (?, ?)
		   AND (registered_at > ? OR (registered_at = ? AND id > ?))
		 ORDER BY registered_at, id
		 LIMIT ?`,
		int(EngagementUnknown), int(EngagementPassed),
		formatTime(after.RegisteredAt),
		formatTime(after.RegisteredAt), after.ID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var (
			sub        Subscriber
			registered string
			engagement int
			blocked    int
			last       sql.NullString
		)
		if err := rows.Scan(&sub.ID, &registered, &engagement, &blocked, &last, &sub.DeliveredCount); err != nil {
			return nil, err
		}
		sub.RegisteredAt = parseTime(registered)
		sub.Engagement = Engagement(engagement)
		sub.BotBlocked = blocked != 0
		if last.Valid {
			sub.LastDelivery = parseTime(last.String)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// MarkBlocked flags a subscriber who blocked the bot. Blocked subscribers
// are excluded from future paging but keep their roster row.
func (s *Store) MarkBlocked(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET bot_blocked = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) RecordDelivery(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_delivery = ?, delivered_count = delivered_count + 1 WHERE id = ?`,
		formatTime(at), id)
	return err
}

func (s *Store) AddPlacement(ctx context.Context, p Placement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO placements(broadcast_id, subscriber_id, chat_id, message_id)
		 VALUES(?,?,?,?)
		 ON CONFLICT(broadcast_id, subscriber_id) DO UPDATE SET chat_id=excluded.chat_id, message_id=excluded.message_id`,
		p.BroadcastID, p.SubscriberID, p.ChatID, p.MessageID,
	)
	return err
}

// PageByBroadcast returns up to limit placements for one broadcast, in
// subscriber order. Cleanup removes rows as it goes, so repeated calls with
// the same arguments page through the remainder.
func (s *Store) PageByBroadcast(ctx context.Context, broadcastID int64, limit int) ([]Placement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT broadcast_id, subscriber_id, chat_id, message_id
		 FROM placements WHERE broadcast_id = ?
		 ORDER BY subscriber_id LIMIT ?`,
		broadcastID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Placement
	for rows.Next() {
		var p Placement
		if err := rows.Scan(&p.BroadcastID, &p.SubscriberID, &p.ChatID, &p.MessageID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ClearPlacement(ctx context.Context, broadcastID, subscriberID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM placements WHERE broadcast_id = ? AND subscriber_id = ?`,
		broadcastID, subscriberID)
	return err
}

func (s *Store) AddJoinRequest(ctx context.Context, r JoinRequest) error {
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO join_requests(channel_id, user_id, requested_at) VALUES(?,?,?)
		 ON CONFLICT(channel_id, user_id) DO NOTHING`,
		r.ChannelID, r.UserID, formatTime(r.RequestedAt),
	)
	return err
}

// PagePending returns up to limit pending join requests for a channel in
// request order. Approved requests are deleted by the caller, so repeated
// calls walk the backlog.
func (s *Store) PagePending(ctx context.Context, channelID int64, limit int) ([]JoinRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, user_id, requested_at
		 FROM join_requests WHERE channel_id = ?
		 ORDER BY requested_at, user_id LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinRequest
	for rows.Next() {
		var (
			r         JoinRequest
			requested string
		)
		if err := rows.Scan(&r.ChannelID, &r.UserID, &requested); err != nil {
			return nil, err
		}
		r.RequestedAt = parseTime(requested)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteJoinRequest(ctx context.Context, channelID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM join_requests WHERE channel_id = ? AND user_id = ?`,
		channelID, userID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
