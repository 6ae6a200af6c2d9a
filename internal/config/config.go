package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the service configuration.  Every key can be set from a YAML file
// (CONFIG_FILE) or from the environment, where "openai.model_chat" becomes
// OPENAI_MODEL_CHAT.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Actions  ActionsConfig  `mapstructure:"actions"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// RequestTimeout bounds every upstream call made while serving a request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AnalyzeTimeout time.Duration `mapstructure:"analyze_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	MaxConns      int    `mapstructure:"max_conns"`
	MaxIdle       int    `mapstructure:"max_idle"`
	NotifyChannel string `mapstructure:"notify_channel"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	EventLogTTL time.Duration `mapstructure:"event_log_ttl"`
}

type MQTTConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         int           `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type OpenAIConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	ModelChat     string        `mapstructure:"model_chat"`
	ModelSummary  string        `mapstructure:"model_summary"`
	ModelRealtime string        `mapstructure:"model_realtime"`
	RealtimeVoice string        `mapstructure:"realtime_voice"`
	RealtimeURL   string        `mapstructure:"realtime_url"`
	ModelTTS      string        `mapstructure:"model_tts"`
	TTSVoice      string        `mapstructure:"tts_voice"`
	TTSSpeed      float64       `mapstructure:"tts_speed"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ActionsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RealtimeConfig struct {
	// EventPolicy is "all" or "completed".
	EventPolicy    string        `mapstructure:"event_policy"`
	MaxEvents      int           `mapstructure:"max_events"`
	AutoAnalyze    bool          `mapstructure:"auto_analyze"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

type OutboxConfig struct {
	Path        string        `mapstructure:"path"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Service string `mapstructure:"service"`
	// Sampling enables zap's per-second sampling of repeated entries.
	Sampling bool `mapstructure:"sampling"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.analyze_timeout", 2*time.Minute)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("database.notify_channel", "visit_analyzed")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "medtranslate:")
	v.SetDefault("redis.lock_ttl", 5*time.Minute)
	v.SetDefault("redis.event_log_ttl", 24*time.Hour)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "medical-translator")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "visits")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model_chat", "gpt-4o")
	v.SetDefault("openai.model_summary", "")
	v.SetDefault("openai.model_realtime", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("openai.realtime_voice", "verse")
	v.SetDefault("openai.realtime_url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("openai.model_tts", "tts-1")
	v.SetDefault("openai.tts_voice", "echo")
	v.SetDefault("openai.tts_speed", 1.0)
	v.SetDefault("openai.timeout", 60*time.Second)

	v.SetDefault("actions.webhook_url", "")
	v.SetDefault("actions.timeout", 10*time.Second)

	v.SetDefault("realtime.event_policy", "all")
	v.SetDefault("realtime.max_events", 0)
	v.SetDefault("realtime.auto_analyze", false)
	v.SetDefault("realtime.persist_timeout", 10*time.Second)

	v.SetDefault("outbox.path", "data/outbox.bolt")
	v.SetDefault("outbox.interval", 30*time.Second)
	v.SetDefault("outbox.max_attempts", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service", "medical-translator")
	v.SetDefault("log.sampling", false)
}

// Load reads defaults, the optional config file named by CONFIG_FILE and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// PORT is honoured for platforms that inject it
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		cfg.HTTP.Addr = ":" + port
	}
	if cfg.OpenAI.ModelSummary == "" {
		cfg.OpenAI.ModelSummary = cfg.OpenAI.ModelChat
	}
	return cfg, nil
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL must be set")
	}
	if c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY must be set")
	}
	if c.Realtime.EventPolicy != "all" && c.Realtime.EventPolicy != "completed" {
		return errors.New(`REALTIME_EVENT_POLICY must be "all" or "completed"`)
	}
	return nil
}
