package config

import (
	"reflect"
	"sort"
	"strings"

	logx "hundredbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (token, dsn) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Challenge != newCfg.Challenge {
		c := newCfg.Challenge
		changed = append(changed, "challenge")
		attrs = append(attrs,
			logx.String("challenge.timezone", strings.TrimSpace(c.Timezone)),
			logx.Int("challenge.threshold", c.Threshold),
			logx.Int("challenge.max_lives", c.MaxLives),
			logx.String("challenge.reps_policy", c.RepsPolicy),
			logx.String("challenge.reminder_policy", c.ReminderPolicy),
			logx.String("challenge.settle_cron", c.SettleCron),
		)
	}

	// Notifier: nil means enabled with defaults.
	defN := &NotifierConfig{Enabled: true}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage (never log dsn). Nil means memory.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// HTTP (never log token)
	if oldCfg.HTTP != newCfg.HTTP {
		h := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	var out []string
	if oldCfg == nil || newCfg == nil {
		return out
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		out = append(out, "storage")
	}
	if strings.TrimSpace(oldCfg.Challenge.Timezone) != strings.TrimSpace(newCfg.Challenge.Timezone) {
		out = append(out, "challenge.timezone")
	}
	return out
}
