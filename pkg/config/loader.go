package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "GOCOLLAB"

// keyDelim replaces viper's "." so event names such as "chat.send" stay
// single keys under events.
const keyDelim = "::"

func setDefaults(v *viper.Viper) {
	def := func(key string, value any) {
		v.SetDefault(strings.ReplaceAll(key, ".", keyDelim), value)
	}
	def("server.address", ":8080")
	def("server.auth.jwtSecret", "default-secret-key-change-me")
	def("server.auth.cookieName", "session-token")
	def("server.connectionLimit.maxPerUser", 5)
	def("server.connectionLimit.mode", "cycle")
	def("server.allowedOrigins", []string{})

	def("transport.readTimeout", "60s")
	def("transport.writeTimeout", "10s")
	def("transport.sendBuffer", 256)
	def("transport.readLimit", 1<<20)

	def("log.level", "info")
	def("log.format", "text")

	def("store.driver", "memory")
	def("store.dsn", "")

	def("broker.driver", "memory")
	def("broker.addr", "localhost:6379")
	def("broker.password", "")
	def("broker.db", 0)

	def("collab.presenceHeartbeat", "15s")
	def("collab.presenceStale", "45s")
	def("collab.cursorDebounce", "50ms")
	def("collab.docDebounce", "500ms")
	def("collab.echoSuppression", "400ms")
	def("collab.docWriteTimeout", "5s")
	def("collab.chatHistoryLimit", 50)
	def("collab.chatRateLimit", "20/m")
}

// Load reads configuration from a file and environment variables. fileName
// is the base name without extension; it is searched for in the working
// directory and in every extra path.
func Load(logger *slog.Logger, fileName string, paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelim, "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	} else {
		logger.Info("Config file loaded", slog.String("path", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver '%s'", c.Store.Driver)
	}
	switch c.Broker.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown broker driver '%s'", c.Broker.Driver)
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("config: connectionLimit.mode must be 'reject' or 'cycle', got '%s'", c.Server.ConnectionLimit.Mode)
	}
	if c.Collab.PresenceStale <= c.Collab.PresenceHeartbeat {
		return errors.New("config: collab.presenceStale must exceed collab.presenceHeartbeat")
	}
	return nil
}
