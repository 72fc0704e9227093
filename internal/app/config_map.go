package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobrelay/internal/broker"
	"jobrelay/internal/clientevent"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/notifier"
	"jobrelay/internal/poller"
	"jobrelay/internal/relay"
	"jobrelay/internal/server"
	"jobrelay/internal/storage"
	logx "jobrelay/pkg/logx"
)

const (
	defaultSweepEvery = "@every 1m"
	defaultSweepGrace = 10 * time.Minute
	defaultShutdown   = 10 * time.Second
)

// instanceID returns the configured id, or hostname plus a short random
// suffix so two processes on one host never share a consumer name.
func instanceID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.InstanceID); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jobrelay"
	}
	return host + "-" + uuid.NewString()[:8]
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapBroker(cfg *config.Config, instance string) (broker.Config, error) {
	bc := cfg.Broker
	block, err := config.ParseDurationField("broker.block_timeout", bc.BlockTimeout)
	if err != nil {
		return broker.Config{}, err
	}
	return broker.Config{
		Driver:       strings.ToLower(strings.TrimSpace(bc.Driver)),
		RedisURL:     strings.TrimSpace(bc.RedisURL),
		KeyPrefix:    bc.KeyPrefix,
		InstanceID:   instance,
		QueueBuffer:  bc.QueueBuffer,
		StreamMaxLen: bc.StreamMaxLen,
		BlockTimeout: block,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	if driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver: none is not supported")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		RedisURL:    strings.TrimSpace(sc.RedisURL),
		KeyPrefix:   sc.KeyPrefix,
	}, nil
}

func mapRelay(cfg *config.Config, instance string) relay.Config {
	rc := relay.Config{
		BroadcastPolicy: cfg.Relay.BroadcastPolicy,
		InstanceID:      instance,
	}
	if len(cfg.Relay.Routes) == 0 {
		return rc
	}
	// Configured routes override the defaults per engine; engines left out
	// keep their default names.
	byKind := map[job.EngineKind]relay.Route{}
	for _, r := range cfg.Relay.Routes {
		kind := job.EngineKind(strings.ToLower(strings.TrimSpace(r.Engine)))
		byKind[kind] = relay.Route{Kind: kind, Queue: strings.TrimSpace(r.Queue), Channel: strings.TrimSpace(r.Channel)}
	}
	for _, def := range relay.DefaultRoutes() {
		if r, ok := byKind[def.Kind]; ok {
			rc.Routes = append(rc.Routes, r)
			continue
		}
		rc.Routes = append(rc.Routes, def)
	}
	return rc
}

type sweepConfig struct {
	Every string
	Grace time.Duration
}

func mapSweep(cfg *config.Config) (sweepConfig, error) {
	every := strings.TrimSpace(cfg.Relay.SweepEvery)
	if every == "" {
		every = defaultSweepEvery
	}
	grace, err := config.ParseDurationOrDefault("relay.sweep_grace", cfg.Relay.SweepGrace, defaultSweepGrace)
	if err != nil {
		return sweepConfig{}, err
	}
	return sweepConfig{Every: every, Grace: grace}, nil
}

// mapPoller returns the options new polls start from. Per-job fields are
// left empty.
func mapPoller(cfg *config.Config) (poller.Options, error) {
	pc := cfg.Poller
	var o poller.Options
	var err error
	if o.Interval, err = config.ParseDurationOrDefault("poller.interval", pc.Interval, poller.DefaultInterval); err != nil {
		return o, err
	}
	if o.HalfTime, err = config.ParseDurationOrDefault("poller.half_time", pc.HalfTime, poller.DefaultHalfTime); err != nil {
		return o, err
	}
	if o.MaxInterval, err = config.ParseDurationField("poller.max_interval", pc.MaxInterval); err != nil {
		return o, err
	}
	if o.CheckTimeout, err = config.ParseDurationField("poller.check_timeout", pc.CheckTimeout); err != nil {
		return o, err
	}
	o.Threshold = pc.Threshold
	if o.Threshold <= 0 {
		o.Threshold = poller.DefaultThreshold
	}
	return o, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := config.EffectiveNotifier(cfg)
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapHub(cfg *config.Config) (clientevent.HubConfig, error) {
	sc := cfg.Server
	hc := clientevent.HubConfig{SendBuffer: sc.SendBuffer}
	var err error
	if hc.Heartbeat, err = config.ParseDurationField("server.heartbeat", sc.Heartbeat); err != nil {
		return hc, err
	}
	if hc.PingInterval, err = config.ParseDurationField("server.ping_interval", sc.PingInterval); err != nil {
		return hc, err
	}
	if hc.WriteTimeout, err = config.ParseDurationField("server.write_timeout", sc.WriteTimeout); err != nil {
		return hc, err
	}
	return hc, nil
}

func mapServer(cfg *config.Config) (server.Config, time.Duration, error) {
	sc := cfg.Server
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, defaultShutdown)
	if err != nil {
		return server.Config{}, 0, err
	}
	return server.Config{
		Addr:       strings.TrimSpace(sc.Addr),
		Pprof:      sc.Pprof,
		PprofToken: strings.TrimSpace(sc.PprofToken),
	}, shutdown, nil
}
