package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobrelay/pkg/logx"
)

// Change summarizes the difference between two config versions.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are log fields describing the new values. Redis URLs are
	// reported only as set or unset since they may carry credentials.
	Attrs []logx.Field
	// RestartOnly lists changed sections that take effect on restart.
	RestartOnly []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// defaultNotifier mirrors the notifier runtime defaults so an omitted
// section compares equal to an explicit default one.
var defaultNotifier = NotifierConfig{
	Enabled:       true,
	Workers:       2,
	QueueSize:     512,
	RatePerSec:    50,
	RetryMax:      3,
	RetryBase:     "500ms",
	RetryMaxDelay: "10s",
}

// EffectiveNotifier returns the notifier section with the omitted case
// resolved to defaults.
func EffectiveNotifier(cfg *Config) NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return defaultNotifier
	}
	return *cfg.Notifier
}

func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		c.Attrs = append(c.Attrs, attrs...)
		if restart {
			c.RestartOnly = append(c.RestartOnly, section)
		}
	}

	if strings.TrimSpace(oldCfg.InstanceID) != strings.TrimSpace(newCfg.InstanceID) {
		mark("instance_id", true, logx.String("instance_id", strings.TrimSpace(newCfg.InstanceID)))
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Broker != newCfg.Broker {
		mark("broker", true,
			logx.String("broker.driver", newCfg.Broker.Driver),
			logx.Bool("broker.redis_url_set", strings.TrimSpace(newCfg.Broker.RedisURL) != ""),
			logx.String("broker.key_prefix", newCfg.Broker.KeyPrefix),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.redis_url_set", strings.TrimSpace(newCfg.Storage.RedisURL) != ""),
		)
	}

	// Routes bind consumers at start; the rest of the relay section is live.
	routesChanged := !reflect.DeepEqual(oldCfg.Relay.Routes, newCfg.Relay.Routes)
	if routesChanged ||
		oldCfg.Relay.BroadcastPolicy != newCfg.Relay.BroadcastPolicy ||
		oldCfg.Relay.SweepEvery != newCfg.Relay.SweepEvery ||
		oldCfg.Relay.SweepGrace != newCfg.Relay.SweepGrace {
		mark("relay", routesChanged,
			logx.String("relay.broadcast_policy", newCfg.Relay.BroadcastPolicy),
			logx.String("relay.sweep_every", newCfg.Relay.SweepEvery),
			logx.String("relay.sweep_grace", newCfg.Relay.SweepGrace),
			logx.Int("relay.routes", len(newCfg.Relay.Routes)),
			logx.Bool("relay.routes_changed", routesChanged),
		)
	}

	if oldCfg.Poller != newCfg.Poller {
		mark("poller", false,
			logx.String("poller.interval", newCfg.Poller.Interval),
			logx.Int("poller.threshold", newCfg.Poller.Threshold),
			logx.String("poller.half_time", newCfg.Poller.HalfTime),
			logx.String("poller.max_interval", newCfg.Poller.MaxInterval),
		)
	}

	oldN, newN := EffectiveNotifier(oldCfg), EffectiveNotifier(newCfg)
	if oldN != newN {
		mark("notifier", false,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	if oldCfg.Server != newCfg.Server {
		mark("server", true,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
			logx.String("server.heartbeat", newCfg.Server.Heartbeat),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.RestartOnly)
	return c
}
