package config

// Config is the on-disk configuration. JSON or YAML, unknown keys rejected.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Challenge ChallengeConfig `json:"challenge"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the ops chat id that receives forwarded warnings.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ChallengeConfig holds the rules every participant plays by.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - threshold: 100
//   - max_lives: 3
//   - reps_policy: "cap"
//   - reminder_policy: "inset"
//   - settle_cron: "0 0 * * *"
//   - retry_backoff: "1m"
//   - call_timeout: "30s"
type ChallengeConfig struct {
	Timezone       string `json:"timezone"`
	Threshold      int    `json:"threshold,omitempty"`
	MaxLives       int    `json:"max_lives,omitempty"`
	RepsPolicy     string `json:"reps_policy,omitempty"`
	ReminderPolicy string `json:"reminder_policy,omitempty"`
	SettleCron     string `json:"settle_cron,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`
	CallTimeout    string `json:"call_timeout,omitempty"`
}

// NotifierConfig controls participant notifications.
//
// All durations are Go duration strings. If the whole section is omitted the
// notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./hundredbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres pool size
}

// HTTPConfig controls the ops HTTP server (metrics, health, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9100").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9100"
	Token         string `json:"token,omitempty"` // bearer token for /debug and /ops (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
