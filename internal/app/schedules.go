package app

import (
	"context"
	"sort"
	"time"

	"schedcore/internal/eventbus"
	"schedcore/internal/scheduler"
	"schedcore/internal/storage"
	logx "schedcore/pkg/logx"
)

// Snapshots implements observability.Schedules.
func (a *App) Snapshots() []scheduler.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]scheduler.Snapshot, 0, len(a.templates)+len(a.schedules))
	for _, u := range a.templates {
		out = append(out, u.sched.Snapshot())
	}
	for _, s := range a.schedules {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// syncSchedules starts a ConfigScheduler for every record name not yet
// tracked and destroys the ones whose record was removed from the config.
func (a *App) syncSchedules(names []string, zone *time.Location) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}

	a.mu.Lock()
	var gone []*scheduler.ConfigScheduler
	for n, s := range a.schedules {
		if _, ok := want[n]; !ok {
			gone = append(gone, s)
			delete(a.schedules, n)
		}
	}
	a.mu.Unlock()
	for _, s := range gone {
		s.Destroy()
		a.log.Info("schedule removed", logx.String("schedule", s.Name()))
	}

	for _, n := range names {
		a.mu.RLock()
		_, ok := a.schedules[n]
		a.mu.RUnlock()
		if ok {
			continue
		}
		s, err := scheduler.NewConfig(a.loop, a.cfgm, n,
			scheduler.WithClock(a.clk),
			scheduler.WithZone(zone),
			scheduler.WithLogger(a.log),
			scheduler.WithMetrics(a.metrics),
			scheduler.WithExecutor(a.exec),
			scheduler.WithListener(a.onFiring),
		)
		if err != nil {
			a.log.Warn("schedule not started", logx.String("schedule", n), logx.Err(err))
			continue
		}
		a.mu.Lock()
		a.schedules[n] = s
		a.mu.Unlock()
		a.log.Info("schedule tracked", logx.String("schedule", n))
	}
}

// onFiring runs on the shared schedules executor; it must not block.
func (a *App) onFiring(f scheduler.Firing) {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Time: f.At, Data: storage.FiringEntry{
		At:        f.At,
		Scheduler: f.Scheduler,
		Kind:      "config",
		Target:    f.Target,
	}})
}

// recordFirings logs every firing published on the bus and appends it to
// storage when one is configured.
func (a *App) recordFirings(ctx context.Context, events <-chan eventbus.Event) error {
	log := a.log.With(logx.String("comp", "firings"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e, ok := ev.Data.(storage.FiringEntry)
			if !ok {
				continue
			}
			fields := []logx.Field{
				logx.String("sched", e.Scheduler),
				logx.String("kind", e.Kind),
				logx.Time("target", e.Target),
			}
			if e.Kind == "template" {
				fields = append(fields, logx.String("value", e.Value), logx.Bool("catch_up", e.CatchUp))
			}
			log.Info("schedule fired", fields...)

			if a.store == nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := a.store.AppendFiring(wctx, e); err != nil {
				log.Warn("firing not recorded", logx.String("sched", e.Scheduler), logx.Err(err))
			}
			cancel()
		}
	}
}
