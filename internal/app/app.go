package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"schedcore/internal/config"
	"schedcore/internal/dispatch"
	"schedcore/internal/eventbus"
	"schedcore/internal/metrics"
	"schedcore/internal/observability"
	"schedcore/internal/runloop"
	"schedcore/internal/runtime/supervisor"
	"schedcore/internal/scheduler"
	"schedcore/internal/storage"
	logx "schedcore/pkg/logx"
)

// App is the schedd daemon: template schedulers, config-driven schedulers,
// firing history and the optional HTTP surface, all driven by one config file.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector
	clk     clock.Clock

	// loop serializes every scheduler state transition in the daemon.
	loop *runloop.Loop
	// exec delivers config-schedule firings; template firings use each store's executor.
	exec *dispatch.Executor
	http *observability.Service

	mu        sync.RWMutex
	templates map[string]*templateUnit
	schedules map[string]*scheduler.ConfigScheduler
}

type Option func(*App)

// WithClock replaces the wall clock. Tests pass clock.NewMock().
func WithClock(c clock.Clock) Option { return func(a *App) { a.clk = c } }

// NewApp loads and validates the config and opens storage. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       eventbus.New(),
		metrics:   metrics.New(),
		clk:       clock.New(),
		templates: map[string]*templateUnit{},
		schedules: map[string]*scheduler.ConfigScheduler{},
	}
	for _, o := range opts {
		o(a)
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	warnEvery, _ := config.ParseDurationOrDefault("scheduler.listener_warn_every", cfg.Scheduler.ListenerWarnEvery, 10*time.Second)
	a.loop = runloop.New("sched", log)
	a.metrics.WatchLoop("sched", a.loop.Pending, a.loop.Executed)
	a.exec = dispatch.NewExecutor("schedules", log,
		dispatch.WithMetrics(a.metrics),
		dispatch.WithWarnRate(warnEvery, 1),
	)

	deps := observability.Deps{
		Templates: a,
		Schedules: a,
		Metrics:   a.metrics,
	}
	// A typed nil would defeat the handler's nil check.
	if h, ok := a.store.(storage.History); ok {
		deps.History = h
	}
	hc, _ := mapObservabilityConfig(cfg)
	a.http = observability.New(hc, deps, log)
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.http.SetSupervisor(a.sup.Snapshot)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	zone, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}

	// Subscribe before any scheduler exists so catch-up values are recorded too.
	events, unsub := a.bus.Subscribe(256, eventbus.TypeScheduleFired)
	a.sup.Go("firings.record", func(c context.Context) error {
		defer unsub()
		return a.recordFirings(c, events)
	})

	for _, name := range sortedKeys(cfg.Templates) {
		if err := a.addTemplate(a.sup.Context(), name, cfg.Templates[name], zone); err != nil {
			return err
		}
	}
	a.syncSchedules(sortedKeys(cfg.Schedules), zone)

	if hc, err := mapObservabilityConfig(cfg); err == nil && hc.Enabled {
		a.http.Start(a.sup.Context())
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for len(sub) > 0 {
					if newer := <-sub; newer != nil {
						newCfg = newer
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("templates", len(cfg.Templates)),
		logx.Int("schedules", len(cfg.Schedules)),
		logx.String("zone", zone.String()),
	)
	return nil
}

// applyConfig reacts to a committed reload. Schedule records themselves reach
// their schedulers through the record store; this only adds and removes them.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, records := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(records) > 0 {
		a.log.Debug("schedule records changed", logx.Any("schedules", records))
	}

	zone, err := config.LoadLocation(next.Scheduler.Timezone)
	if err != nil {
		a.log.Warn("invalid scheduler.timezone; keeping previous", logx.Err(err))
		zone = nil
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "scheduler":
			a.log.Warn("scheduler config changed; running schedulers keep their zone until restart")
		case "observability":
			hc, err := mapObservabilityConfig(next)
			if err != nil {
				a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
				break
			}
			a.http.Reconfigure(ctx, hc)
		case "templates":
			if zone == nil {
				break
			}
			for _, name := range sortedKeys(next.Templates) {
				if err := a.addTemplate(ctx, name, next.Templates[name], zone); err != nil {
					a.log.Warn("template not started", logx.String("template", name), logx.Err(err))
				}
			}
			for name := range prev.Templates {
				if _, ok := next.Templates[name]; !ok {
					a.log.Warn("template removed from config; it keeps running until restart", logx.String("template", name))
				}
			}
		case "schedules":
			if zone != nil {
				a.syncSchedules(sortedKeys(next.Schedules), zone)
			}
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("schedulers", 2*time.Second, func(c context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, s := range a.schedules {
			s.Destroy()
		}
		for _, u := range a.templates {
			u.sched.Destroy()
		}
		return a.exec.Close(c)
	})
	// Persisters and the firing recorder drain here, before storage closes.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("templates", time.Second, func(c context.Context) error {
		a.mu.RLock()
		defer a.mu.RUnlock()
		var first error
		for _, u := range a.templates {
			if err := u.store.Close(c); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
	step("runloop", time.Second, a.loop.Close)
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
