package kit

import (
	"errors"
	"fmt"
	"time"
)

// ErrBlockedByUser marks a recipient that can no longer be reached: they
// blocked the bot, never started a conversation with it, or deactivated their
// account. This is a soft per-recipient failure, never escalated.
var ErrBlockedByUser = errors.New("recipient unreachable")

// ErrMessageGone marks a delete attempt for a message that no longer exists.
var ErrMessageGone = errors.New("message already gone")

// RateLimitedError reports that the platform rejected a call for exceeding
// its rate ceiling. The throttled executors are sized to stay under that
// ceiling, so seeing this usually means another process shares the credential.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by platform, retry after %s", e.RetryAfter)
}

// IsBlocked reports whether err is a blocked/unreachable-recipient failure.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlockedByUser) }
