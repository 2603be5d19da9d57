package notifier

import "time"

// Config controls delivery of participant notifications.
type Config struct {
	Enabled       bool
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// DedupWindow is how long a delivered (user, kind, date, index) key
	// suppresses repeats. It must outlive a day so a restart mid-window does
	// not resend.
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 48 * time.Hour
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 20000
	}
	return c
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	UserID int64     `json:"user_id"`
	Kind   string    `json:"kind"`
	Err    string    `json:"err,omitempty"`
}
