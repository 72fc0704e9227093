// Package app wires the relay process together: config, logging, storage,
// broker, relay, polls, notifier, scheduler and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobrelay/internal/broker"
	"jobrelay/internal/clientevent"
	"jobrelay/internal/config"
	"jobrelay/internal/eventbus"
	"jobrelay/internal/notifier"
	"jobrelay/internal/poller"
	"jobrelay/internal/relay"
	rtsup "jobrelay/internal/runtime/supervisor"
	"jobrelay/internal/server"
	"jobrelay/internal/storage"
	"jobrelay/internal/task/scheduler"
	logx "jobrelay/pkg/logx"
)

const sweepSchedule = "relay.sweep"

type App struct {
	cfgm     *config.Manager
	instance string

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store  storage.Store
	broker broker.Broker
	hub    *clientevent.Hub
	relay  *relay.Service
	polls  *poller.Registry
	notif  *notifier.Service
	sched  *scheduler.Service
	server *server.Service

	mu           sync.Mutex
	pollDefaults poller.Options
	sweep        sweepConfig
	shutdown     time.Duration
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.Comp("app"))
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	a = &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), instance: instanceID(cfg)}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	bc, err := mapBroker(cfg, a.instance)
	if err != nil {
		return nil, err
	}
	hc, err := mapHub(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	if a.pollDefaults, err = mapPoller(cfg); err != nil {
		return nil, err
	}
	if a.sweep, err = mapSweep(cfg); err != nil {
		return nil, err
	}
	srvCfg, shutdown, err := mapServer(cfg)
	if err != nil {
		return nil, err
	}
	a.shutdown = shutdown

	a.store, err = storage.Open(sc, log.With(logx.Comp("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.broker, err = broker.Open(bc, log.With(logx.Comp("broker")))
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("open broker: %w", err)
	}
	log.Info("backends ready",
		logx.String("instance", a.instance),
		logx.String("storage", sc.Driver),
		logx.String("broker", bc.Driver),
	)

	a.hub = clientevent.NewHub(hc, log.With(logx.Comp("clients")))
	a.relay = relay.New(mapRelay(cfg, a.instance), a.broker, a.store, a.hub, log, a.bus)
	a.notif = notifier.New(nc, a.store, a.hub, log.With(logx.Comp("notifier")), a.bus)
	a.polls = poller.NewRegistry(a.store, a.notif, log.With(logx.Comp("poller")), a.bus)
	a.sched = scheduler.New(scheduler.Config{}, log.With(logx.Comp("scheduler")))
	a.server = server.New(srvCfg, server.Deps{
		Relay:        a.relay,
		Store:        a.store,
		Broker:       a.broker,
		Polls:        a.polls,
		Hub:          a.hub,
		Notifier:     a.notif,
		Bus:          a.bus,
		PollDefaults: a.PollDefaults,
		Status:       a.status,
	}, log.With(logx.Comp("http")))
	return a, nil
}

// PollDefaults returns the options polls start from under the current config.
func (a *App) PollDefaults() poller.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollDefaults
}

func (a *App) Instance() string { return a.instance }

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Relay() *relay.Service { return a.relay }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) status() map[string]any {
	out := map[string]any{
		"instance":  a.instance,
		"schedules": a.sched.Snapshot(),
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Snapshot()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		out["notifierTasks"] = sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	// reject reloads that would not map cleanly
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPoller(cfg); err != nil {
			return err
		}
		if _, err := mapNotifier(cfg); err != nil {
			return err
		}
		_, err := mapSweep(cfg)
		return err
	})

	if err := a.relay.Start(a.sup.Context()); err != nil {
		return err
	}
	readyCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	select {
	case <-a.relay.Ready():
	case <-readyCtx.Done():
		cancel()
		return errors.New("relay listeners did not bind in time")
	}
	cancel()

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.Go("poll.watch", func(c context.Context) error {
		return a.polls.Watch(c, a.bus)
	})

	if err := a.scheduleSweep(a.sweepConfig()); err != nil {
		return err
	}
	a.sched.Start()

	if err := a.server.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("addr", a.server.Addr()))
	return nil
}

func (a *App) sweepConfig() sweepConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweep
}

// scheduleSweep (re)registers the subscription sweep.
func (a *App) scheduleSweep(sc sweepConfig) error {
	a.sched.Remove(sweepSchedule)
	return a.sched.AddCron(sweepSchedule, sc.Every, func(context.Context) error {
		grace := a.sweepConfig().Grace
		if n := a.relay.Registry().Sweep(grace); n > 0 {
			a.log.Debug("swept finished jobs", logx.Int("jobs", n), logx.Duration("grace", grace))
		}
		return nil
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max <= 0 {
				a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Inbound first, then the pipeline, then the backends it writes to.
	step("http", a.shutdown, func(c context.Context) error { a.server.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("relay", 3*time.Second, a.relay.Stop)
	step("polls", time.Second, func(context.Context) error { a.polls.Stop(); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("clients", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	step("broker", time.Second, func(context.Context) error { return a.broker.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
