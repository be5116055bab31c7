package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/natindo/PrayerVigil/internal/interval"
	"github.com/natindo/PrayerVigil/internal/services"
)

// Config хранит основные настройки приложения.
type Config struct {
	Listen        string `mapstructure:"listen"`
	InternalToken string `mapstructure:"internal_token"`

	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Google    GoogleConfig    `mapstructure:"google"`
	Prayer    PrayerConfig    `mapstructure:"prayer"`
	Conflicts ConflictsConfig `mapstructure:"conflicts"`
	Autopilot AutopilotConfig `mapstructure:"autopilot"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Writeback WritebackConfig `mapstructure:"writeback"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	// Driver is postgres or memory.
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// MemoryConfig seeds the single owner of the in-memory store.
type MemoryConfig struct {
	APIToken string `mapstructure:"api_token"`
	Timezone string `mapstructure:"timezone"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
	APIBase      string `mapstructure:"api_base"`
}

type PrayerConfig struct {
	// Source is none, timetable or ics.
	Source        string `mapstructure:"source"`
	TimetablePath string `mapstructure:"timetable_path"`
	ICSURL        string `mapstructure:"ics_url"`
	ChunkDays     int    `mapstructure:"chunk_days"`
}

type ConflictsConfig struct {
	SeverityBufferMinutes int `mapstructure:"severity_buffer_minutes"`
}

type AutopilotConfig struct {
	ShiftMinutes int `mapstructure:"shift_minutes"`
	BatchLimit   int `mapstructure:"batch_limit"`
}

type NotifyConfig struct {
	BatchWindow       time.Duration `mapstructure:"batch_window"`
	NoiseGate         time.Duration `mapstructure:"noise_gate"`
	QuietStart        string        `mapstructure:"quiet_start"`
	QuietEnd          string        `mapstructure:"quiet_end"`
	PrayerPreMinutes  int           `mapstructure:"prayer_pre_minutes"`
	PrayerPostMinutes int           `mapstructure:"prayer_post_minutes"`
	DispatchLimit     int           `mapstructure:"dispatch_limit"`
}

type WritebackConfig struct {
	BatchLimit int `mapstructure:"batch_limit"`
}

type SchedulerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	HorizonDays int    `mapstructure:"horizon_days"`
	Detect      string `mapstructure:"detect"`
	Autopilot   string `mapstructure:"autopilot"`
	Flush       string `mapstructure:"flush"`
	Dispatch    string `mapstructure:"dispatch"`
	Writeback   string `mapstructure:"writeback"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("memory.timezone", "UTC")
	v.SetDefault("prayer.source", "none")
	v.SetDefault("prayer.chunk_days", 14)
	v.SetDefault("conflicts.severity_buffer_minutes", services.DefaultSeverityBuffer)
	v.SetDefault("autopilot.shift_minutes", services.DefaultShiftMinutes)
	v.SetDefault("autopilot.batch_limit", 10)
	v.SetDefault("notify.batch_window", "90s")
	v.SetDefault("notify.noise_gate", "90s")
	v.SetDefault("notify.quiet_start", "22:00")
	v.SetDefault("notify.quiet_end", "08:00")
	v.SetDefault("notify.prayer_pre_minutes", 5)
	v.SetDefault("notify.prayer_post_minutes", 20)
	v.SetDefault("notify.dispatch_limit", 100)
	v.SetDefault("writeback.batch_limit", services.DefaultRetryLimit)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.horizon_days", 7)
	v.SetDefault("scheduler.detect", "*/15 * * * *")
	v.SetDefault("scheduler.autopilot", "*/5 * * * *")
	v.SetDefault("scheduler.flush", "@every 30s")
	v.SetDefault("scheduler.dispatch", "@every 30s")
	v.SetDefault("scheduler.writeback", "*/2 * * * *")
}

// LoadConfig reads the optional YAML file at path, then environment
// variables prefixed PRAYERVIGIL_ (PRAYERVIGIL_NOTIFY_QUIET_START and so on).
// DATABASE_URL and TELEGRAM_BOT_TOKEN are also honoured as is.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PRAYERVIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", "PRAYERVIGIL_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("telegram.token", "PRAYERVIGIL_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, err
	}
	// AutomaticEnv only sees keys viper already knows about.
	for _, key := range []string{
		"internal_token", "memory.api_token", "telegram.debug",
		"google.client_id", "google.client_secret", "google.token_url", "google.api_base",
		"prayer.timetable_path", "prayer.ics_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills zero values and rejects settings the services cannot run
// with.
func (c *Config) Normalize() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "text" {
		c.Log.Format = "json"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url (DATABASE_URL) is required for the postgres driver")
		}
	case "memory":
		if c.Memory.Timezone == "" {
			c.Memory.Timezone = "UTC"
		}
		if _, err := time.LoadLocation(c.Memory.Timezone); err != nil {
			return fmt.Errorf("memory.timezone: %w", err)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch c.Prayer.Source {
	case "", "none":
		c.Prayer.Source = "none"
	case "timetable":
		if c.Prayer.TimetablePath == "" {
			return errors.New("prayer.timetable_path is required for the timetable source")
		}
	case "ics":
		if c.Prayer.ICSURL == "" {
			return errors.New("prayer.ics_url is required for the ics source")
		}
	default:
		return fmt.Errorf("prayer.source: unknown source %q", c.Prayer.Source)
	}
	if c.Prayer.ChunkDays <= 0 || c.Prayer.ChunkDays > 14 {
		c.Prayer.ChunkDays = 14
	}

	if c.Conflicts.SeverityBufferMinutes <= 0 {
		c.Conflicts.SeverityBufferMinutes = services.DefaultSeverityBuffer
	}
	if c.Autopilot.ShiftMinutes <= 0 {
		c.Autopilot.ShiftMinutes = services.DefaultShiftMinutes
	}
	if c.Autopilot.BatchLimit <= 0 {
		c.Autopilot.BatchLimit = 10
	}

	if _, err := c.QuietHours(); err != nil {
		return err
	}
	if c.Notify.BatchWindow <= 0 {
		c.Notify.BatchWindow = 90 * time.Second
	}
	if c.Notify.NoiseGate < 0 {
		c.Notify.NoiseGate = 0
	}
	if c.Notify.PrayerPreMinutes < 0 {
		c.Notify.PrayerPreMinutes = 0
	}
	if c.Notify.PrayerPostMinutes < 0 {
		c.Notify.PrayerPostMinutes = 0
	}
	if c.Notify.DispatchLimit <= 0 {
		c.Notify.DispatchLimit = 100
	}

	if c.Writeback.BatchLimit <= 0 {
		c.Writeback.BatchLimit = services.DefaultRetryLimit
	}
	if c.Writeback.BatchLimit > services.MaxRetryLimit {
		c.Writeback.BatchLimit = services.MaxRetryLimit
	}
	if c.Scheduler.HorizonDays <= 0 {
		c.Scheduler.HorizonDays = 7
	}
	return nil
}

// QuietHours parses the notify quiet window. Both ends empty disables it.
func (c *Config) QuietHours() (interval.ClockWindow, error) {
	if c.Notify.QuietStart == "" && c.Notify.QuietEnd == "" {
		return interval.ClockWindow{}, nil
	}
	w, err := interval.ParseClockWindow(c.Notify.QuietStart, c.Notify.QuietEnd)
	if err != nil {
		return interval.ClockWindow{}, fmt.Errorf("notify quiet hours: %w", err)
	}
	return w, nil
}

// TelegramEnabled reports whether a bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.Token != ""
}

// GoogleEnabled reports whether OAuth client credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}
