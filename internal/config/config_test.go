package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"hundredbot/internal/challenge"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const minimalJSON = `{
  "telegram": {"token": "abc", "owner_user_ids": [7]},
  "logging": {"level": "info", "console": true},
  "challenge": {"timezone": "Europe/Berlin", "threshold": 50}
}`

func TestParseJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := `
telegram:
  token: abc
  owner_user_ids: [7]
logging:
  level: info
  console: true
challenge:
  timezone: Europe/Berlin
  threshold: 50
`
	for _, p := range []string{
		writeFile(t, dir, "c.json", minimalJSON),
		writeFile(t, dir, "c.yaml", yml),
	} {
		m := NewConfigManager(p)
		m.SetEnvLookup(noEnv)
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if cfg.Telegram.Token != "abc" || cfg.Challenge.Threshold != 50 || len(cfg.Telegram.OwnerUserIDs) != 1 {
			t.Fatalf("%s: parsed %+v", p, cfg)
		}
		if m.Get() != cfg {
			t.Fatalf("%s: Get did not return committed config", p)
		}
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"telegram": {"token": "x"}, "plugins": {}}`,
		"trailing.json": minimalJSON + `{}`,
		"nested.yaml":   "challenge:\n  treshold: 10\n",
	}
	for name, body := range cases {
		m := NewConfigManager(writeFile(t, dir, name, body))
		m.SetEnvLookup(noEnv)
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.json", `{
  "telegram": {"token": "from-file"},
  "challenge": {"timezone": "UTC"},
  "storage": {"driver": "memory"}
}`)
	m := NewConfigManager(p)
	m.SetEnvLookup(envMap(map[string]string{
		EnvTelegramToken: "from-env",
		EnvTimezone:      "Asia/Tokyo",
		EnvDatabaseURL:   "postgres://u:p@localhost/hb",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Challenge.Timezone != "Asia/Tokyo" {
		t.Fatalf("timezone = %q", cfg.Challenge.Timezone)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://u:p@localhost/hb" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestEnvKeepsExplicitDriverAndIgnoresBlank(t *testing.T) {
	t.Parallel()
	cfg := &Config{Telegram: TelegramConfig{Token: "keep"}, Storage: &StorageConfig{Driver: "pgx"}}
	ApplyEnv(cfg, envMap(map[string]string{EnvTelegramToken: "  ", EnvDatabaseURL: "postgres://x"}))
	if cfg.Telegram.Token != "keep" {
		t.Fatalf("blank env replaced token: %q", cfg.Telegram.Token)
	}
	if cfg.Storage.Driver != "pgx" || cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, t.TempDir(), ".env", "HUNDREDBOT_DOTENV_PROBE=yes\n")
	t.Setenv("HUNDREDBOT_DOTENV_PROBE", "")
	os.Unsetenv("HUNDREDBOT_DOTENV_PROBE")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("HUNDREDBOT_DOTENV_PROBE"); got != "yes" {
		t.Fatalf("env = %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("minimal config: %v", err)
	}
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"timezone", func(c *Config) { c.Challenge.Timezone = "Mars/Base" }, "challenge.timezone"},
		{"reps", func(c *Config) { c.Challenge.RepsPolicy = "double" }, "challenge.reps_policy"},
		{"reminders", func(c *Config) { c.Challenge.ReminderPolicy = "random" }, "challenge.reminder_policy"},
		{"backoff", func(c *Config) { c.Challenge.RetryBackoff = "soon" }, "challenge.retry_backoff"},
		{"sqlite path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"pg dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"group log", func(c *Config) { c.Telegram.GroupLog = "ops" }, "telegram.group_log"},
		{"ops sink", func(c *Config) { c.Logging.Telegram.Enabled = true }, "logging.telegram"},
		{"http open", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:9100"} }, "http.addr"},
		{"notifier", func(c *Config) { c.Notifier = &NotifierConfig{RetryBase: "-1s"} }, "notifier.retry_base"},
	}
	for _, tc := range cases {
		c := base()
		tc.mut(c)
		err := Validate(c)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}

	ok := base()
	ok.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:9100", Token: "s3cret"}
	ok.Storage = &StorageConfig{Driver: "sqlite", Path: "./x.db", BusyTimeout: "2s"}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestChallengeAccessors(t *testing.T) {
	t.Parallel()
	c := ChallengeConfig{Threshold: 80, RepsPolicy: "exceed_once"}
	p, err := c.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if p.Threshold != 80 || p.MaxLives != challenge.DefaultMaxLives || p.Reps != challenge.RepsExceedOnce {
		t.Fatalf("policy = %+v", p)
	}
	loc, err := c.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("location = %v %v", loc, err)
	}
	id, err := TelegramConfig{GroupLog: "-1001234"}.GroupLogChatID()
	if err != nil || id != -1001234 {
		t.Fatalf("group log = %d %v", id, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Challenge: ChallengeConfig{Threshold: 100}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "a"},
		Challenge: ChallengeConfig{Threshold: 120},
		Storage:   &StorageConfig{Driver: "postgres", DSN: "postgres://secret"},
		HTTP:      HTTPConfig{Enabled: true, Token: "hidden"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "challenge,http,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	restart := RestartRequired(oldCfg, newCfg)
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart = %v", restart)
	}
	if c, _ := SummarizeConfigChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("identical configs changed = %v", c)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", minimalJSON)
	m := NewConfigManager(p)
	m.SetEnvLookup(noEnv)
	var rejected atomic.Bool
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Challenge.Threshold == 13 {
			rejected.Store(true)
			return errors.New("unlucky")
		}
		return nil
	})
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "c.json", strings.Replace(minimalJSON, `"threshold": 50`, `"threshold": 13`, 1))
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %+v", cfg.Challenge)
	default:
	}

	writeFile(t, dir, "c.json", strings.Replace(minimalJSON, `"threshold": 50`, `"threshold": 60`, 1))
	select {
	case cfg := <-sub:
		if cfg.Challenge.Threshold != 60 {
			t.Fatalf("threshold = %d", cfg.Challenge.Threshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if !rejected.Load() {
		t.Fatalf("validator never saw the rejected config")
	}
	if m.Get().Challenge.Threshold != 60 {
		t.Fatalf("committed threshold = %d", m.Get().Challenge.Threshold)
	}
}
