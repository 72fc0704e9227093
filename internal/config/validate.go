package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	logx "jobrelay/pkg/logx"
)

// Validate reports every problem in cfg at once. It does not apply defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown level %q", lv)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	switch d := lower(cfg.Broker.Driver); d {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Broker.RedisURL) == "" {
			add("broker.redis_url: required for the redis driver")
		}
	default:
		add("broker.driver: unknown driver %q", d)
	}
	dur("broker.block_timeout", cfg.Broker.BlockTimeout)

	switch d := lower(cfg.Storage.Driver); d {
	case "", "memory":
	case "none":
		add("storage.driver: the relay needs job storage; use memory for a throwaway store")
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path: required for the %s driver", d)
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			add("storage.redis_url: required for the redis driver")
		}
	default:
		add("storage.driver: unknown driver %q", d)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch p := lower(cfg.Relay.BroadcastPolicy); p {
	case "", "on_persist", "always":
	default:
		add("relay.broadcast_policy: must be on_persist or always, got %q", p)
	}
	if spec := strings.TrimSpace(cfg.Relay.SweepEvery); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("relay.sweep_every: %v", err)
		}
	}
	dur("relay.sweep_grace", cfg.Relay.SweepGrace)
	seen := map[string]bool{}
	for i, r := range cfg.Relay.Routes {
		e := lower(r.Engine)
		switch {
		case e == "":
			add("relay.routes[%d].engine: required", i)
		case seen[e]:
			add("relay.routes[%d].engine: duplicate engine %q", i, e)
		case e != "generic" && e != "sciml" && e != "pyciemss":
			add("relay.routes[%d].engine: unknown engine %q", i, e)
		}
		seen[e] = true
		if strings.TrimSpace(r.Queue) == "" || strings.TrimSpace(r.Channel) == "" {
			add("relay.routes[%d]: queue and channel are required", i)
		}
	}

	if cfg.Poller.Threshold < 0 {
		add("poller.threshold: must be >= 0")
	}
	dur("poller.interval", cfg.Poller.Interval)
	dur("poller.half_time", cfg.Poller.HalfTime)
	dur("poller.max_interval", cfg.Poller.MaxInterval)
	dur("poller.check_timeout", cfg.Poller.CheckTimeout)

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add("notifier: counts must be >= 0")
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
	}

	if cfg.Server.SendBuffer < 0 {
		add("server.send_buffer: must be >= 0")
	}
	dur("server.heartbeat", cfg.Server.Heartbeat)
	dur("server.ping_interval", cfg.Server.PingInterval)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	return errors.Join(errs...)
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
