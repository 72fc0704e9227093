package app

import (
	"context"
	"time"

	"jobrelay/internal/config"
	"jobrelay/internal/eventbus"
	logx "jobrelay/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live sections of newCfg into running components.
// Sections that bind at start are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	change := config.SummarizeChange(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range change.Sections {
		changed[s] = true
	}
	if len(change.RestartOnly) > 0 {
		a.log.Warn("config sections changed that take effect on restart",
			logx.Strings("sections", change.RestartOnly))
	}

	if changed["logging"] {
		a.logs.Apply(mapLogging(newCfg))
	}

	if changed["relay"] {
		a.relay.Apply(mapRelay(newCfg, a.instance))
		if sc, err := mapSweep(newCfg); err != nil {
			a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
		} else {
			prev := a.sweepConfig()
			a.mu.Lock()
			a.sweep = sc
			a.mu.Unlock()
			if sc.Every != prev.Every {
				if err := a.scheduleSweep(sc); err != nil {
					a.log.Warn("sweep reschedule failed", logx.Err(err))
				}
			}
		}
	}

	if changed["poller"] {
		if o, err := mapPoller(newCfg); err != nil {
			a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
		} else {
			a.mu.Lock()
			a.pollDefaults = o
			a.mu.Unlock()
		}
	}

	if changed["notifier"] {
		prevEnabled := a.notif.Enabled()
		nc, err := mapNotifier(newCfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(nc)
			switch {
			case prevEnabled && !nc.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prevEnabled && nc.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: change.Sections})
	fields := append([]logx.Field{logx.Strings("changed", change.Sections)}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}
