// Package config holds all application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Camera      CameraConfig     `yaml:"camera"`
	Detector    DetectorConfig   `yaml:"detector"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Store       StoreConfig      `yaml:"store"`
	Screenshots ScreenshotConfig `yaml:"screenshots"`
	Notify      NotifyConfig     `yaml:"notify"`
	Stream      StreamConfig     `yaml:"stream"`
}

type CameraConfig struct {
	Index  int `yaml:"index"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

type DetectorConfig struct {
	// ModelPath points at an ONNX model file. Empty disables the built-in
	// detector; the pipeline then runs capture/streaming only.
	ModelPath           string  `yaml:"model_path"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	InputSize           int     `yaml:"input_size"`
	// ClassNames maps model output indices to labels, in the model's
	// training order. Distinct from the fall allow-list below.
	ClassNames []string `yaml:"class_names"`
	// FallClassNames is the allow-list of class names treated as a fall.
	FallClassNames []string `yaml:"fall_class_names"`
	// FallClassIndex additionally treats this class index as a fall.
	// Set to -1 to disable the index rule.
	FallClassIndex int `yaml:"fall_class_index"`
}

type PipelineConfig struct {
	UserID        string        `yaml:"user_id"`
	Location      string        `yaml:"location"`
	Interval      time.Duration `yaml:"interval"`
	Cooldown      time.Duration `yaml:"cooldown"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	RetentionDays int           `yaml:"retention_days"`
}

type StoreConfig struct {
	// PostgresDSN is the durable backend. When empty or unreachable at
	// startup the store runs in local file mode for the process lifetime.
	PostgresDSN  string        `yaml:"postgres_dsn"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	LocalPath    string        `yaml:"local_path"`
}

type ScreenshotConfig struct {
	LocalDir    string        `yaml:"local_dir"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	MaxWidth    int           `yaml:"max_width"`
	MaxHeight   int           `yaml:"max_height"`
	Minio       MinioConfig   `yaml:"minio"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

type NotifyConfig struct {
	Cooldown time.Duration            `yaml:"cooldown"`
	SMTP     SMTPConfig               `yaml:"smtp"`
	Twilio   TwilioConfig             `yaml:"twilio"`
	Telegram TelegramConfig           `yaml:"telegram"`
	Users    map[string]ChannelConfig `yaml:"users"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

// ChannelConfig is a user's per-channel notification configuration.
// Read-only to the notifier.
type ChannelConfig struct {
	EmailEnabled    bool   `yaml:"email_enabled"`
	EmailAddress    string `yaml:"email_address"`
	SMSEnabled      bool   `yaml:"sms_enabled"`
	PhoneNumber     string `yaml:"phone_number"`
	TelegramEnabled bool   `yaml:"telegram_enabled"`
	TelegramChatID  string `yaml:"telegram_chat_id"`
}

type StreamConfig struct {
	Addr        string        `yaml:"addr"`
	FrameRate   int           `yaml:"frame_rate"`
	JPEGQuality int           `yaml:"jpeg_quality"`
	PullTimeout time.Duration `yaml:"pull_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Index:  0,
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Detector: DetectorConfig{
			ConfidenceThreshold: 0.7,
			InputSize:           640,
			FallClassNames:      []string{"fall", "falling", "fallen", "person_fallen"},
			FallClassIndex:      0,
		},
		Pipeline: PipelineConfig{
			UserID:        "default",
			Location:      "PC Camera",
			Interval:      100 * time.Millisecond,
			Cooldown:      5 * time.Second,
			StopTimeout:   5 * time.Second,
			RetentionDays: 30,
		},
		Store: StoreConfig{
			ProbeTimeout: 5 * time.Second,
			LocalPath:    "data/local_db.json",
		},
		Screenshots: ScreenshotConfig{
			LocalDir:    "data/screenshots",
			JPEGQuality: 85,
			MaxWidth:    1280,
			MaxHeight:   720,
			Minio: MinioConfig{
				Bucket: "guard-screenshots",
			},
			Timeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Cooldown: 60 * time.Second,
			SMTP: SMTPConfig{
				Host: "smtp.gmail.com",
				Port: 587,
			},
			Users: map[string]ChannelConfig{},
		},
		Stream: StreamConfig{
			Addr:        ":8080",
			FrameRate:   30,
			JPEGQuality: 70,
			PullTimeout: time.Hour,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides for secrets. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing settings from the environment so they
// can be kept out of the config file.
func (c *Config) applyEnv() {
	setString(&c.Store.PostgresDSN, "GUARD_POSTGRES_DSN")
	setString(&c.Screenshots.Minio.Endpoint, "GUARD_MINIO_ENDPOINT")
	setString(&c.Screenshots.Minio.AccessKey, "GUARD_MINIO_ACCESS_KEY")
	setString(&c.Screenshots.Minio.SecretKey, "GUARD_MINIO_SECRET_KEY")
	setString(&c.Notify.SMTP.Username, "GUARD_SMTP_USER")
	setString(&c.Notify.SMTP.Password, "GUARD_SMTP_PASS")
	setString(&c.Notify.Twilio.AccountSID, "GUARD_TWILIO_SID")
	setString(&c.Notify.Twilio.AuthToken, "GUARD_TWILIO_TOKEN")
	setString(&c.Notify.Twilio.FromNumber, "GUARD_TWILIO_PHONE")
	setString(&c.Notify.Telegram.BotToken, "GUARD_TELEGRAM_BOT_TOKEN")
	setInt(&c.Camera.Index, "GUARD_CAMERA_INDEX")
	setString(&c.Detector.ModelPath, "GUARD_MODEL_PATH")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.Pipeline.Interval <= 0 {
		return fmt.Errorf("pipeline.interval must be positive, got %v", c.Pipeline.Interval)
	}
	if c.Pipeline.Cooldown < 0 {
		return fmt.Errorf("pipeline.cooldown must not be negative, got %v", c.Pipeline.Cooldown)
	}
	if c.Stream.FrameRate <= 0 {
		return fmt.Errorf("stream.frame_rate must be positive, got %d", c.Stream.FrameRate)
	}
	if c.Stream.PullTimeout <= 0 {
		return fmt.Errorf("stream.pull_timeout must be positive, got %v", c.Stream.PullTimeout)
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("detector.confidence_threshold must be within [0,1], got %v", c.Detector.ConfidenceThreshold)
	}
	return nil
}
