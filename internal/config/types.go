package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Sweep    SweepConfig    `json:"sweep"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// OwnerUserIDs may use hidden/operator commands.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SweepConfig controls the due-timer sweep.
//
// Schedule takes a robfig/cron spec ("@every 15s", "*/1 * * * *").
// RealertInterval is the minimum spacing between repeat alerts for an
// ack-required timer that already fired; a Go duration string.
type SweepConfig struct {
	Schedule        string `json:"schedule,omitempty"`
	RealertInterval string `json:"realert_interval,omitempty"`
}

type NotifyConfig struct {
	// RatePerSec caps outgoing messages per second (token bucket).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence backend.
// Driver "none" (or omitted section) keeps timers in memory only.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
