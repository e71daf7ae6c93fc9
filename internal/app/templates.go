package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"schedcore/internal/config"
	"schedcore/internal/eventbus"
	"schedcore/internal/scheduler"
	"schedcore/internal/storage"
	"schedcore/internal/template"
	logx "schedcore/pkg/logx"
)

// templateUnit is one template store plus the scheduler that plays it.
type templateUnit struct {
	store *template.Store[string]
	sched *scheduler.TemplateScheduler[string]
}

// TemplateNames implements observability.Templates.
func (a *App) TemplateNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.templates))
	for n := range a.templates {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Template implements observability.Templates.
func (a *App) Template(name string) (*template.Store[string], bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.templates[name]
	if !ok {
		return nil, false
	}
	return u.store, true
}

// addTemplate builds the store for name, restores or seeds its content and
// starts its scheduler and persister. It is a no-op for a known name.
func (a *App) addTemplate(ctx context.Context, name string, tc config.TemplateConfig, defZone *time.Location) error {
	a.mu.RLock()
	_, exists := a.templates[name]
	a.mu.RUnlock()
	if exists {
		return nil
	}

	zone := defZone
	if tc.Timezone != "" {
		loc, err := config.LoadLocation(tc.Timezone)
		if err != nil {
			return fmt.Errorf("templates.%s.timezone: %w", name, err)
		}
		zone = loc
	}

	log := a.log.With(logx.String("template", name))
	st := template.NewStore[string](name, template.WithLogger(a.log), template.WithMetrics(a.metrics))

	restored, err := a.restoreTemplate(ctx, st)
	if err != nil {
		_ = st.Close(ctx)
		return err
	}
	if !restored {
		seed, err := config.SeedRecords(tc.Seed)
		if err != nil {
			_ = st.Close(ctx)
			return fmt.Errorf("templates.%s.seed: %w", name, err)
		}
		if err := st.Load(seed); err != nil {
			_ = st.Close(ctx)
			return fmt.Errorf("templates.%s.seed: %w", name, err)
		}
		if a.store != nil && len(seed) > 0 {
			a.saveTemplate(ctx, st)
		}
		log.Info("template seeded from config", logx.Int("entries", len(seed)))
	}

	sched, err := scheduler.NewTemplate(a.loop, st,
		scheduler.WithClock(a.clk),
		scheduler.WithZone(zone),
		scheduler.WithLogger(a.log),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithValueListener(func(ev scheduler.TemplateEvent[string]) {
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Time: ev.Observed, Data: storage.FiringEntry{
				At:        ev.Observed,
				Scheduler: ev.Scheduler,
				Kind:      "template",
				Target:    ev.At,
				Value:     ev.Value,
				CatchUp:   ev.CatchUp,
			}})
		}),
	)
	if err != nil {
		_ = st.Close(ctx)
		return err
	}

	a.mu.Lock()
	a.templates[name] = &templateUnit{store: st, sched: sched}
	a.mu.Unlock()

	if a.store != nil {
		ch, unsub := st.Subscribe(8)
		a.sup.Go("template.persist:"+name, func(c context.Context) error {
			defer unsub()
			return a.persistLoop(c, st, ch)
		})
	}
	log.Info("template scheduler started", logx.String("zone", zone.String()))
	return nil
}

func (a *App) restoreTemplate(ctx context.Context, st *template.Store[string]) (bool, error) {
	if a.store == nil {
		return false, nil
	}
	doc, ok, err := a.store.LoadTemplate(ctx, st.Name())
	if err != nil {
		return false, fmt.Errorf("load template %s: %w", st.Name(), err)
	}
	if !ok {
		return false, nil
	}
	var recs []template.Record[string]
	if err := json.Unmarshal(doc.Records, &recs); err != nil {
		return false, fmt.Errorf("decode template %s: %w", st.Name(), err)
	}
	if err := st.Load(recs); err != nil {
		return false, fmt.Errorf("restore template %s: %w", st.Name(), err)
	}
	a.log.Info("template restored from storage",
		logx.String("template", st.Name()),
		logx.Int("entries", len(recs)),
		logx.Uint64("stored_rev", doc.Revision),
	)
	return true, nil
}

// persistLoop saves the store after every change notification. Notifications
// are level-triggered, so a burst collapses into one save of current content.
func (a *App) persistLoop(ctx context.Context, st *template.Store[string], ch <-chan eventbus.Event) error {
	saved := st.Revision()
	for {
		select {
		case <-ctx.Done():
			// Final save so a change racing shutdown is not lost.
			if st.Revision() != saved {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				a.saveTemplate(sctx, st)
				cancel()
			}
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			for len(ch) > 0 {
				<-ch
			}
			saved = a.saveTemplate(ctx, st)
		}
	}
}

func (a *App) saveTemplate(ctx context.Context, st *template.Store[string]) uint64 {
	rev := st.Revision()
	recs := st.Records()
	if recs == nil {
		recs = []template.Record[string]{}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		a.log.Error("template encode failed", logx.String("template", st.Name()), logx.Err(err))
		return 0
	}
	doc := storage.TemplateDoc{Name: st.Name(), Records: b, Revision: rev, UpdatedAt: a.clk.Now()}
	if err := a.store.SaveTemplate(ctx, doc); err != nil {
		a.log.Warn("template save failed", logx.String("template", st.Name()), logx.Err(err))
		return 0
	}
	a.log.Debug("template saved", logx.String("template", st.Name()), logx.Uint64("rev", rev))
	return rev
}
