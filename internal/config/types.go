package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed by the components that use them.
type Config struct {
	// InstanceID names this process to the broker (consumer name) and in
	// job events. Empty means hostname plus a random suffix.
	InstanceID string `json:"instance_id,omitempty"`

	Logging  LoggingConfig   `json:"logging"`
	Broker   BrokerConfig    `json:"broker"`
	Storage  StorageConfig   `json:"storage"`
	Relay    RelayConfig     `json:"relay"`
	Poller   PollerConfig    `json:"poller"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Server   ServerConfig    `json:"server"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BrokerConfig selects the message transport.
//
// Example:
//
//	"broker": { "driver": "redis", "redis_url": "redis://127.0.0.1:6379/0" }
type BrokerConfig struct {
	Driver       string `json:"driver"` // memory | redis
	RedisURL     string `json:"redis_url,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
	QueueBuffer  int    `json:"queue_buffer,omitempty"`
	StreamMaxLen int64  `json:"stream_max_len,omitempty"`
	BlockTimeout string `json:"block_timeout,omitempty"`
}

// StorageConfig selects where jobs and notification groups live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite | redis
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	RedisURL    string `json:"redis_url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

type RelayConfig struct {
	// BroadcastPolicy is "on_persist" (default) or "always".
	BroadcastPolicy string `json:"broadcast_policy,omitempty"`
	// SweepEvery is a cron spec for the subscription sweep; default "@every 1m".
	SweepEvery string `json:"sweep_every,omitempty"`
	// SweepGrace is how long a terminal job keeps its subscribers; default "10m".
	SweepGrace string `json:"sweep_grace,omitempty"`
	// Routes overrides the per-engine queue and channel names.
	Routes []RouteConfig `json:"routes,omitempty"`
}

type RouteConfig struct {
	Engine  string `json:"engine"`
	Queue   string `json:"queue"`
	Channel string `json:"channel"`
}

// PollerConfig holds the defaults for job polls started on submission.
// Zero values fall back to interval 2s, threshold 300, half-time 2s.
type PollerConfig struct {
	Interval     string `json:"interval,omitempty"`
	Threshold    int    `json:"threshold,omitempty"`
	HalfTime     string `json:"half_time,omitempty"`
	MaxInterval  string `json:"max_interval,omitempty"`
	CheckTimeout string `json:"check_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// ServerConfig controls the HTTP and websocket surface.
type ServerConfig struct {
	Addr            string `json:"addr,omitempty"` // default ":8080"
	Pprof           bool   `json:"pprof,omitempty"`
	PprofToken      string `json:"pprof_token,omitempty"`
	Heartbeat       string `json:"heartbeat,omitempty"`
	PingInterval    string `json:"ping_interval,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	SendBuffer      int    `json:"send_buffer,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}
