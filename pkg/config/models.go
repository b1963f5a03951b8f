package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Log       LogConfig
	Store     StoreConfig
	Broker    BrokerConfig
	Collab    CollabConfig
	// Events attaches extra pipeline steps, such as rate limits, to client
	// events. Keys are event names like "chat.send".
	Events map[string]EventConfig `mapstructure:"events"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// AllowedOrigins feeds the websocket origin check. Empty means same
	// origin only; "*" disables the check.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	CookieName string `mapstructure:"cookieName"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
	ReadLimit    int64         `mapstructure:"readLimit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "memory" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type BrokerConfig struct {
	Driver   string `mapstructure:"driver"` // "memory" or "redis"
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CollabConfig struct {
	PresenceHeartbeat time.Duration `mapstructure:"presenceHeartbeat"`
	PresenceStale     time.Duration `mapstructure:"presenceStale"`
	CursorDebounce    time.Duration `mapstructure:"cursorDebounce"`
	DocDebounce       time.Duration `mapstructure:"docDebounce"`
	EchoSuppression   time.Duration `mapstructure:"echoSuppression"`
	DocWriteTimeout   time.Duration `mapstructure:"docWriteTimeout"`
	ChatHistoryLimit  int           `mapstructure:"chatHistoryLimit"`
	ChatRateLimit     string        `mapstructure:"chatRateLimit"`
}

type EventConfig struct {
	Steps []StepConfig `mapstructure:"steps"`
}

type StepConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}
