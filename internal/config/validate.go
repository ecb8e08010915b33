package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied by Validate when a field is left unset.
const (
	DefaultSendRate        = 25
	DefaultDeleteRate      = 10
	DefaultInterval        = time.Second
	DefaultPoll            = time.Minute
	DefaultPageSize        = 50
	DefaultCleanupPageSize = 100
	DefaultApprovalRate    = 20
	DefaultBusyTimeout     = 5 * time.Second
	DefaultNotifyRate      = 4
)

// Validate checks cross-field constraints and fills in defaults in place.
// It is used both at boot and as the Watch() pre-commit hook.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}

	if c.Throttle.SendRate < 0 || c.Throttle.DeleteRate < 0 {
		return fmt.Errorf("throttle: rates must be >= 0")
	}
	if c.Throttle.SendRate == 0 {
		c.Throttle.SendRate = DefaultSendRate
	}
	if c.Throttle.DeleteRate == 0 {
		c.Throttle.DeleteRate = DefaultDeleteRate
	}
	if _, err := ParseDurationOrDefault("throttle.interval", c.Throttle.Interval, DefaultInterval); err != nil {
		return err
	}

	if c.Broadcast.PageSize < 0 || c.Broadcast.CleanupPageSize < 0 {
		return fmt.Errorf("broadcast: page sizes must be >= 0")
	}
	if c.Broadcast.PageSize == 0 {
		c.Broadcast.PageSize = DefaultPageSize
	}
	if c.Broadcast.CleanupPageSize == 0 {
		c.Broadcast.CleanupPageSize = DefaultCleanupPageSize
	}

	if c.Approval.Rate == 0 {
		c.Approval.Rate = DefaultApprovalRate
	}
	if c.Approval.PageSize == 0 {
		c.Approval.PageSize = DefaultPageSize
	}

	if c.Operators.RatePerSec == 0 {
		c.Operators.RatePerSec = DefaultNotifyRate
	}

	if _, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, DefaultBusyTimeout); err != nil {
		return err
	}
	return nil
}

// ThrottleInterval returns the parsed executor tick, defaulting to one second.
func (c *Config) ThrottleInterval() time.Duration {
	d, err := ParseDurationOrDefault("throttle.interval", c.Throttle.Interval, DefaultInterval)
	if err != nil {
		return DefaultInterval
	}
	return d
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
