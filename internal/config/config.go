// Package config loads ReminderPipe settings from defaults, an optional YAML file
// and REMINDERPIPE_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are separated
// by a double underscore, e.g. REMINDERPIPE_SCAN__BATCH_SIZE.
const EnvPrefix = "REMINDERPIPE_"

// Dispatch modes.
const (
	DispatchSync  = "sync"
	DispatchQueue = "queue"
)

type Config struct {
	StateDir string         `koanf:"state_dir"`
	Database DatabaseConfig `koanf:"database"`
	Scan     ScanConfig     `koanf:"scan"`
	Digest   DigestConfig   `koanf:"digest"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	Twilio   TwilioConfig   `koanf:"twilio"`
	SMTP     SMTPConfig     `koanf:"smtp"`
	Redis    RedisConfig    `koanf:"redis"`
	Notice   NoticeConfig   `koanf:"notice"`
	Channels ChannelsConfig `koanf:"channels"`
	Log      LogConfig      `koanf:"log"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"` // empty means an SQLite file under state_dir
}

type ScanConfig struct {
	IntervalMinutes int           `koanf:"interval_minutes"`
	BatchSize       int           `koanf:"batch_size"`
	Workers         int           `koanf:"workers"`
	SendTimeout     time.Duration `koanf:"send_timeout"`
	MaxAttempts     int           `koanf:"max_attempts"`
	StaleClaimAfter time.Duration `koanf:"stale_claim_after"`
}

type DigestConfig struct {
	DayOfWeek int `koanf:"day_of_week"`
	HourUTC   int `koanf:"hour_utc"`
}

type DispatchConfig struct {
	Mode            string        `koanf:"mode"`
	JobPollInterval time.Duration `koanf:"job_poll_interval"`
}

type OutboxConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
}

type TwilioConfig struct {
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	FromNumber string `koanf:"from_number"`
}

// Enabled reports whether the SMS channel can be built.
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// Enabled reports whether the email channel can be built.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != ""
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Enabled reports whether the app channel can be built.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type NoticeConfig struct {
	Channel string `koanf:"channel"` // channel used for owner failure notices
}

type ChannelsConfig struct {
	RatePerSecond int `koanf:"rate_per_second"` // per channel; <= 0 disables limiting
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// Load builds the configuration. A missing file at configPath is not an error.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(DefaultConfig(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Dispatch.Mode = strings.ToLower(strings.TrimSpace(cfg.Dispatch.Mode))
	return &cfg, nil
}

// envKey maps REMINDERPIPE_SCAN__BATCH_SIZE to scan.batch_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" && c.StateDir == "" {
		return fmt.Errorf("either database.dsn or state_dir is required")
	}
	if c.Scan.IntervalMinutes <= 0 {
		return fmt.Errorf("scan.interval_minutes must be positive")
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be positive")
	}
	if c.Scan.BatchSize < 0 {
		return fmt.Errorf("scan.batch_size must not be negative")
	}
	if c.Scan.SendTimeout <= 0 {
		return fmt.Errorf("scan.send_timeout must be positive")
	}
	if c.Scan.MaxAttempts <= 0 {
		return fmt.Errorf("scan.max_attempts must be positive")
	}
	if c.Scan.StaleClaimAfter <= c.Scan.SendTimeout {
		return fmt.Errorf("scan.stale_claim_after (%s) must exceed scan.send_timeout (%s)", c.Scan.StaleClaimAfter, c.Scan.SendTimeout)
	}
	if c.Digest.DayOfWeek < 0 || c.Digest.DayOfWeek > 6 {
		return fmt.Errorf("digest.day_of_week must be between 0 and 6")
	}
	if c.Digest.HourUTC < 0 || c.Digest.HourUTC > 23 {
		return fmt.Errorf("digest.hour_utc must be between 0 and 23")
	}
	switch c.Dispatch.Mode {
	case DispatchSync:
	case DispatchQueue:
		if c.Dispatch.JobPollInterval <= 0 {
			return fmt.Errorf("dispatch.job_poll_interval must be positive")
		}
	default:
		return fmt.Errorf("unknown dispatch.mode: %q (supported: %s, %s)", c.Dispatch.Mode, DispatchSync, DispatchQueue)
	}
	if _, err := c.NoticeChannel(); err != nil {
		return err
	}
	return nil
}

// NoticeChannel parses notice.channel.
func (c *Config) NoticeChannel() (models.Channel, error) {
	ch, err := models.ParseChannel(c.Notice.Channel)
	if err != nil {
		return 0, fmt.Errorf("notice.channel: %w", err)
	}
	return ch, nil
}
