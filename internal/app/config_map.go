package app

import (
	"strings"
	"time"

	"hundredbot/internal/config"
	"hundredbot/internal/notifier"
	"hundredbot/internal/observability/ops"
	"hundredbot/internal/scheduler"
	"hundredbot/internal/storage"
	"hundredbot/internal/timewindow"
	logx "hundredbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		driver = ""
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// mapNotifierConfig enables the notifier with defaults when the section is
// omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 3}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	ch := cfg.Challenge
	rp, err := timewindow.ParseReminderPolicy(ch.ReminderPolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("challenge.retry_backoff", ch.RetryBackoff, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("challenge.call_timeout", ch.CallTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{ReminderPolicy: rp, RetryBackoff: backoff, CallTimeout: timeout}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	h := cfg.HTTP
	out := ops.Config{
		Enabled:              h.Enabled,
		Addr:                 strings.TrimSpace(h.Addr),
		Token:                strings.TrimSpace(h.Token),
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultHTTPAddr
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func settleCron(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Challenge.SettleCron); s != "" {
		return s
	}
	return scheduler.DefaultSettleCron
}
