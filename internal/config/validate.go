package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"hundredbot/internal/challenge"
	"hundredbot/internal/timewindow"
)

// Location resolves the challenge timezone. Empty means UTC.
func (c ChallengeConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("challenge.timezone: %w", err)
	}
	return loc, nil
}

// Policy returns the challenge rules with defaults applied.
func (c ChallengeConfig) Policy() (challenge.Policy, error) {
	rp, err := challenge.ParseRepsPolicy(c.RepsPolicy)
	if err != nil {
		return challenge.Policy{}, fmt.Errorf("challenge.reps_policy: %w", err)
	}
	return challenge.Policy{Threshold: c.Threshold, MaxLives: c.MaxLives, Reps: rp}.WithDefaults(), nil
}

// GroupLogChatID parses telegram.group_log. Empty yields 0.
func (t TelegramConfig) GroupLogChatID() (int64, error) {
	s := strings.TrimSpace(t.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: %q is not a chat id", t.GroupLog)
	}
	return id, nil
}

// Validate reports every static problem in cfg. Cron syntax is checked by
// the scheduler hook installed on the manager.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	gl, err := cfg.Telegram.GroupLogChatID()
	add(err)
	if cfg.Logging.Telegram.Enabled && gl == 0 && err == nil {
		add(errors.New("logging.telegram.enabled requires telegram.group_log"))
	}

	ch := cfg.Challenge
	_, err = ch.Location()
	add(err)
	_, err = ch.Policy()
	add(err)
	if ch.Threshold < 0 {
		add(errors.New("challenge.threshold must be >= 0"))
	}
	if ch.MaxLives < 0 {
		add(errors.New("challenge.max_lives must be >= 0"))
	}
	if _, err := timewindow.ParseReminderPolicy(ch.ReminderPolicy); err != nil {
		add(fmt.Errorf("challenge.reminder_policy: %w", err))
	}
	_, err = ParseDurationField("challenge.retry_backoff", ch.RetryBackoff)
	add(err)
	_, err = ParseDurationField("challenge.call_timeout", ch.CallTimeout)
	add(err)

	if n := cfg.Notifier; n != nil {
		if n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: numeric fields must be >= 0"))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", d))
			}
		case "postgres", "postgresql", "pgx":
			if strings.TrimSpace(s.DSN) == "" {
				add(fmt.Errorf("storage.dsn is required when storage.driver=%s (or set %s)", d, EnvDatabaseURL))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		if s.MaxConns < 0 {
			add(errors.New("storage.max_conns must be >= 0"))
		}
	}

	h := cfg.HTTP
	if h.Enabled {
		addr := strings.TrimSpace(h.Addr)
		if addr == "" {
			addr = DefaultHTTPAddr
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
			add(errors.New("http.addr is not loopback: set http.token or http.allow_insecure"))
		}
		for path, raw := range map[string]string{
			"http.read_timeout":  h.ReadTimeout,
			"http.write_timeout": h.WriteTimeout,
			"http.idle_timeout":  h.IdleTimeout,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	return errors.Join(errs...)
}

// DefaultHTTPAddr is used when http.addr is empty.
const DefaultHTTPAddr = "127.0.0.1:9100"

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
