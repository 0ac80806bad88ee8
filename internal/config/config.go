package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string        `env:"HTTP_ADDR" envDefault:":5444"`
	ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	IdleTimeout time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Uploads
	UploadDir      string   `env:"UPLOAD_DIR" envDefault:"./temp_audio"`
	MaxUploadBytes int64    `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	AllowedFormats []string `env:"ALLOWED_FORMATS" envDefault:".wav,.mp3,.m4a,.flac,.ogg" envSeparator:","`

	// Upload pruning (0 disables the limit)
	UploadRetention time.Duration `env:"UPLOAD_RETENTION" envDefault:"24h"`
	UploadMaxGB     int           `env:"UPLOAD_MAX_GB" envDefault:"0"`

	// Decoding
	FFmpegPath       string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath      string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	SampleRate       int           `env:"SAMPLE_RATE" envDefault:"16000"`
	BlockSeconds     float64       `env:"BLOCK_SECONDS" envDefault:"5"`
	DecoderKillGrace time.Duration `env:"DECODER_KILL_GRACE" envDefault:"2s"`

	// Speech engine. An empty WhisperURL selects the stub engine.
	WhisperURL         string        `env:"WHISPER_URL"`
	WhisperModel       string        `env:"WHISPER_MODEL" envDefault:"large-v3-turbo"`
	WhisperTimeout     time.Duration `env:"WHISPER_TIMEOUT" envDefault:"5m"`
	WhisperTemperature float64       `env:"WHISPER_TEMPERATURE" envDefault:"0"`
	WhisperRetries     int           `env:"WHISPER_RETRIES" envDefault:"2"`
	WhisperPrompt      string        `env:"WHISPER_PROMPT" envDefault:"请只转写实际听到的语音内容，忽略背景音乐和噪音。"`
	DefaultLanguage    string        `env:"DEFAULT_LANGUAGE"`
	ShowTimestamp      bool          `env:"SHOW_TIMESTAMP" envDefault:"false"`

	// Quality filter
	ConfidenceThreshold float64 `env:"CONFIDENCE_THRESHOLD" envDefault:"0.3"`
	QualityRulesFile    string  `env:"QUALITY_RULES_FILE"`

	// Task lifecycle
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"5s"`
	TaskRetention     time.Duration `env:"TASK_RETENTION" envDefault:"30m"`
	TaskSweepInterval time.Duration `env:"TASK_SWEEP_INTERVAL" envDefault:"1m"`

	// Optional MQTT event sink
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"scribe-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"scribe-engine"`

	// Optional hot folder
	WatchDir      string `env:"WATCH_DIR"`
	WatchLanguage string `env:"WATCH_LANGUAGE"`
	WatchBackfill bool   `env:"WATCH_BACKFILL" envDefault:"false"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile    string
	HTTPAddr   string
	LogLevel   string
	UploadDir  string
	WhisperURL string
	WatchDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.UploadDir != "" {
		cfg.UploadDir = overrides.UploadDir
	}
	if overrides.WhisperURL != "" {
		cfg.WhisperURL = overrides.WhisperURL
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	return cfg, nil
}

// MQTTEnabled reports whether an MQTT event sink is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBrokerURL != ""
}
