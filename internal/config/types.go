package config

// Config is the full bot configuration. Durations are Go duration strings
// ("1s", "2m"); poll cadences additionally accept cron expressions.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Operators   OperatorsConfig   `json:"operators"`
	Throttle    ThrottleConfig    `json:"throttle"`
	Publication PublicationConfig `json:"publication"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Approval    ApprovalConfig    `json:"approval"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the chat id receiving the Telegram log sink output.
	GroupLog int64 `json:"group_log,omitempty"`
}

// OperatorsConfig lists the chats that receive the running narrative for
// scheduled items and batch jobs.
type OperatorsConfig struct {
	ChatIDs    []int64 `json:"chat_ids"`
	RatePerSec int     `json:"rate_per_sec,omitempty"`
}

// ThrottleConfig sizes the per-credential executors. The platform enforces
// roughly 30 msg/sec per bot; the defaults (25 sends, 10 deletes) leave
// headroom for interactive traffic.
type ThrottleConfig struct {
	SendRate   int    `json:"send_rate,omitempty"`
	DeleteRate int    `json:"delete_rate,omitempty"`
	Interval   string `json:"interval,omitempty"`
}

type PublicationConfig struct {
	Poll string `json:"poll,omitempty"`
}

type BroadcastConfig struct {
	Poll            string `json:"poll,omitempty"`
	PageSize        int    `json:"page_size,omitempty"`
	CleanupPageSize int    `json:"cleanup_page_size,omitempty"`
}

type ApprovalConfig struct {
	Rate     int `json:"rate,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
