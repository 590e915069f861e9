// Package config loads settings for the market-realtime binaries from an
// optional YAML file and MARKET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "MARKET"

type Config struct {
	APIBaseURL string

	Token          string
	TokenRedisAddr string
	TokenRedisKey  string
	TokenLeeway    time.Duration

	Applications   []int64
	ReconnectDelay time.Duration
	TypingTimeout  time.Duration
	DedupByID      bool

	PollInterval time.Duration

	KafkaBrokers           []string
	KafkaChatTopic         string
	KafkaNotificationTopic string

	LogLevel  string
	LogFormat string

	StubAddr   string
	StubSecret string
	StubTTL    time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000/api")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.redis_addr", "")
	v.SetDefault("auth.redis_key", auth.DefaultTokenKey)
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("chat.applications", []string{})
	v.SetDefault("chat.reconnect_delay", 3*time.Second)
	v.SetDefault("chat.typing_timeout", 3*time.Second)
	v.SetDefault("chat.dedup_by_id", false)

	v.SetDefault("notifications.poll_interval", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.chat_topic", "market-chat")
	v.SetDefault("kafka.notification_topic", "market-notifications")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("stub.addr", ":8000")
	v.SetDefault("stub.jwt_secret", "dev-secret")
	v.SetDefault("stub.token_ttl", 24*time.Hour)
}

// Load reads path when given, otherwise config.yaml from ./config or the
// working directory if one exists. Environment variables override the
// file: chat.reconnect_delay is MARKET_CHAT_RECONNECT_DELAY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	apps, err := int64List(v.GetStringSlice("chat.applications"))
	if err != nil {
		return nil, fmt.Errorf("chat.applications: %w", err)
	}

	cfg := &Config{
		APIBaseURL: v.GetString("api.base_url"),

		Token:          v.GetString("auth.token"),
		TokenRedisAddr: v.GetString("auth.redis_addr"),
		TokenRedisKey:  v.GetString("auth.redis_key"),
		TokenLeeway:    v.GetDuration("auth.leeway"),

		Applications:   apps,
		ReconnectDelay: v.GetDuration("chat.reconnect_delay"),
		TypingTimeout:  v.GetDuration("chat.typing_timeout"),
		DedupByID:      v.GetBool("chat.dedup_by_id"),

		PollInterval: v.GetDuration("notifications.poll_interval"),

		KafkaBrokers:           stringList(v.GetStringSlice("kafka.brokers")),
		KafkaChatTopic:         v.GetString("kafka.chat_topic"),
		KafkaNotificationTopic: v.GetString("kafka.notification_topic"),

		LogLevel:  v.GetString("logging.level"),
		LogFormat: v.GetString("logging.format"),

		StubAddr:   v.GetString("stub.addr"),
		StubSecret: v.GetString("stub.jwt_secret"),
		StubTTL:    v.GetDuration("stub.token_ttl"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("chat.reconnect_delay must be positive")
	}
	if c.TypingTimeout <= 0 {
		return errors.New("chat.typing_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("notifications.poll_interval must be positive")
	}
	for _, id := range c.Applications {
		if id <= 0 {
			return fmt.Errorf("chat.applications: invalid id %d", id)
		}
	}
	return nil
}

// TokenProvider builds the read-only token source: Redis when an address
// is set, the static token otherwise. Expired JWTs read as missing. The
// returned close func releases the Redis client.
func (c *Config) TokenProvider() (auth.TokenProvider, func() error) {
	if c.TokenRedisAddr != "" {
		store := auth.NewRedisTokenStore(c.TokenRedisAddr, c.TokenRedisKey)
		return auth.ExpiryGuard{Next: store, Leeway: c.TokenLeeway}, store.Close
	}
	return auth.ExpiryGuard{Next: auth.StaticToken(c.Token), Leeway: c.TokenLeeway},
		func() error { return nil }
}

// NewLogger returns a logger with the configured level and format.
// Unknown levels fall back to info.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	switch strings.ToLower(c.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// stringList flattens comma separated entries; env values arrive as one
// element.
func stringList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func int64List(in []string) ([]int64, error) {
	parts := stringList(in)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
