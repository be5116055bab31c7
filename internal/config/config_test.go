package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/vigil")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://localhost/vigil" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Notify.BatchWindow != 90*time.Second || cfg.Notify.NoiseGate != 90*time.Second {
		t.Errorf("notify windows = %v / %v", cfg.Notify.BatchWindow, cfg.Notify.NoiseGate)
	}
	if cfg.Writeback.BatchLimit != 200 || cfg.Prayer.ChunkDays != 14 || cfg.Prayer.Source != "none" {
		t.Errorf("defaults = %+v %+v", cfg.Writeback, cfg.Prayer)
	}
	w, err := cfg.QuietHours()
	if err != nil || w.Empty() {
		t.Errorf("quiet hours = %+v, %v", w, err)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Detect == "" {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := strings.Join([]string{
		"listen: \":9090\"",
		"storage:",
		"  driver: memory",
		"memory:",
		"  api_token: from-file",
		"  timezone: Europe/Moscow",
		"notify:",
		"  batch_window: 2m",
		"writeback:",
		"  batch_limit: 9000",
		"log:",
		"  format: TEXT",
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-token")
	t.Setenv("PRAYERVIGIL_MEMORY_API_TOKEN", "from-env")
	t.Setenv("PRAYERVIGIL_NOTIFY_QUIET_START", "23:30")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen", cfg.Listen, ":9090"},
		{"driver", cfg.Storage.Driver, "memory"},
		{"api token env wins", cfg.Memory.APIToken, "from-env"},
		{"timezone", cfg.Memory.Timezone, "Europe/Moscow"},
		{"telegram token", cfg.Telegram.Token, "bot-token"},
		{"batch window", cfg.Notify.BatchWindow, 2 * time.Minute},
		{"quiet start", cfg.Notify.QuietStart, "23:30"},
		{"batch limit capped", cfg.Writeback.BatchLimit, 500},
		{"log format", cfg.Log.Format, "text"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if !cfg.TelegramEnabled() || cfg.GoogleEnabled() {
		t.Errorf("enabled flags: telegram=%v google=%v", cfg.TelegramEnabled(), cfg.GoogleEnabled())
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"postgres without url", Config{Storage: StorageConfig{Driver: "postgres"}}},
		{"unknown driver", Config{Storage: StorageConfig{Driver: "sqlite"}}},
		{"timetable without path", Config{Storage: StorageConfig{Driver: "memory"}, Prayer: PrayerConfig{Source: "timetable"}}},
		{"ics without url", Config{Storage: StorageConfig{Driver: "memory"}, Prayer: PrayerConfig{Source: "ics"}}},
		{"bad quiet hours", Config{Storage: StorageConfig{Driver: "memory"}, Notify: NotifyConfig{QuietStart: "25:00", QuietEnd: "08:00"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Normalize(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
