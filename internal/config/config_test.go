package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.Interval != 100*time.Millisecond {
		t.Fatalf("default interval = %v", cfg.Pipeline.Interval)
	}
	if cfg.Pipeline.Cooldown != 5*time.Second {
		t.Fatalf("default cooldown = %v", cfg.Pipeline.Cooldown)
	}
	if cfg.Notify.Cooldown != 60*time.Second {
		t.Fatalf("default notify cooldown = %v", cfg.Notify.Cooldown)
	}
	if cfg.Stream.FrameRate != 30 {
		t.Fatalf("default frame rate = %d", cfg.Stream.FrameRate)
	}
	if len(cfg.Detector.FallClassNames) == 0 {
		t.Fatal("default fall class names empty")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file failed: %v", err)
	}
	if cfg.Camera.Width != 640 {
		t.Fatalf("camera width = %d, want default 640", cfg.Camera.Width)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
camera:
  index: 2
  width: 1920
pipeline:
  user_id: alice
  cooldown: 10s
notify:
  users:
    alice:
      email_enabled: true
      email_address: alice@example.com
stream:
  addr: ":9090"
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Index != 2 || cfg.Camera.Width != 1920 {
		t.Fatalf("camera override not applied: %+v", cfg.Camera)
	}
	// Untouched fields keep their defaults.
	if cfg.Camera.Height != 480 {
		t.Fatalf("camera height = %d, want default 480", cfg.Camera.Height)
	}
	if cfg.Pipeline.UserID != "alice" || cfg.Pipeline.Cooldown != 10*time.Second {
		t.Fatalf("pipeline override not applied: %+v", cfg.Pipeline)
	}
	if cfg.Stream.Addr != ":9090" {
		t.Fatalf("stream addr = %q", cfg.Stream.Addr)
	}

	user, ok := cfg.Notify.Users["alice"]
	if !ok || !user.EmailEnabled || user.EmailAddress != "alice@example.com" {
		t.Fatalf("user channel config not parsed: %+v", cfg.Notify.Users)
	}
}

func TestDetectorLabelsSeparateFromFallAllowList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
detector:
  class_names: [person, chair, dog]
  fall_class_names: [fall]
  fall_class_index: -1
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Detector.ClassNames) != 3 || cfg.Detector.ClassNames[1] != "chair" {
		t.Fatalf("class_names not parsed: %v", cfg.Detector.ClassNames)
	}
	if len(cfg.Detector.FallClassNames) != 1 || cfg.Detector.FallClassNames[0] != "fall" {
		t.Fatalf("fall_class_names not parsed: %v", cfg.Detector.FallClassNames)
	}
	// The model label set must never default to the fall allow-list; a model
	// whose labels are unknown reports indexed placeholder names instead.
	if len(Default().Detector.ClassNames) != 0 {
		t.Fatalf("default class_names should be empty, got %v", Default().Detector.ClassNames)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("camera: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail on invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GUARD_POSTGRES_DSN", "postgres://env")
	t.Setenv("GUARD_TELEGRAM_BOT_TOKEN", "tok-123")
	t.Setenv("GUARD_CAMERA_INDEX", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.PostgresDSN != "postgres://env" {
		t.Fatalf("dsn = %q", cfg.Store.PostgresDSN)
	}
	if cfg.Notify.Telegram.BotToken != "tok-123" {
		t.Fatalf("bot token = %q", cfg.Notify.Telegram.BotToken)
	}
	if cfg.Camera.Index != 3 {
		t.Fatalf("camera index = %d", cfg.Camera.Index)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Pipeline.Interval = 0 }},
		{"negative cooldown", func(c *Config) { c.Pipeline.Cooldown = -time.Second }},
		{"zero frame rate", func(c *Config) { c.Stream.FrameRate = 0 }},
		{"zero pull timeout", func(c *Config) { c.Stream.PullTimeout = 0 }},
		{"confidence above one", func(c *Config) { c.Detector.ConfidenceThreshold = 1.5 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("validate should reject the config")
			}
		})
	}
}
