// Package app is the composition root: it loads config, wires the
// store, limiter, dedup guard, uploader registry, schedulers and the
// ambient services, and owns startup, hot reload and shutdown order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pubmatrix/internal/dedup"
	"pubmatrix/internal/eventbus"
	"pubmatrix/internal/limiter"
	"pubmatrix/internal/maintenance"
	"pubmatrix/internal/matrix"
	"pubmatrix/internal/notify"
	"pubmatrix/internal/observability/pprof"
	"pubmatrix/internal/queue"
	"pubmatrix/internal/runner"
	"pubmatrix/internal/store"
	"pubmatrix/internal/uploader"
	logx "pubmatrix/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *store.Store
	lim      *limiter.Limiter
	guard    *dedup.Guard
	registry *uploader.Registry
	run      *runner.Runner

	queue  *queue.Service
	matrix *matrix.Scheduler
	notif  *notify.Service
	maint  *maintenance.Service
	pprof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("path", sc.Path))

	lim := limiter.New(mapLimiterConfig(cfg))

	windows, err := mapDedupWindows(cfg)
	if err != nil {
		return nil, err
	}
	guard := dedup.New(windows, log.With(logx.String("comp", "dedup")))

	upCfg, err := mapUploaderConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := uploader.FromConfig(upCfg, log.With(logx.String("comp", "uploader")))
	if err != nil {
		return nil, err
	}

	run := runner.New(st, lim, registry, bus, log.With(logx.String("comp", "runner")))

	qCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	queueSvc := queue.New(qCfg, st, guard, run, registry, bus, log)

	mCfg, err := mapMatrixConfig(cfg)
	if err != nil {
		return nil, err
	}
	matrixSvc := matrix.New(mCfg, st, guard, run, registry, bus, log)

	// Notifier sender: built once at startup. Token rotation needs a
	// restart; everything else about the notifier hot-reloads.
	var sender notify.Sender
	nCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Notify != nil && cfg.Notify.Enabled {
		s, err := notify.NewTelegramSender(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		sender = s
	}
	notifSvc := notify.New(nCfg, sender, bus, log)

	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maintSvc := maintenance.New(maintCfg, st, log)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		lim:      lim,
		guard:    guard,
		registry: registry,
		run:      run,
		queue:    queueSvc,
		matrix:   matrixSvc,
		notif:    notifSvc,
		maint:    maintSvc,
		pprof:    pprofSvc,
	}, nil
}

// Queue exposes the publish scheduler for embedding callers.
func (a *App) Queue() *queue.Service { return a.queue }

// Matrix exposes the matrix scheduler for embedding callers.
func (a *App) Matrix() *matrix.Scheduler { return a.matrix }

// Limits reports the admission controller's live per-key occupancy,
// for the same operator views that read queue.Snapshot().
func (a *App) Limits() []limiter.Usage { return a.lim.Snapshot() }

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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		// Mapping-level validation catches what Validate can't express.
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMatrixConfig(cfg); err != nil {
			return err
		}
		if _, err := mapUploaderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if cfg.Queue.Enabled {
		if err := a.queue.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if cfg.Matrix.Enabled {
		if err := a.matrix.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if err := a.maint.Start(); err != nil {
		return err
	}

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running services.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.lim.Apply(mapLimiterConfig(newCfg))

	if windows, err := mapDedupWindows(newCfg); err != nil {
		a.log.Warn("invalid dedup config; keeping previous", logx.Err(err))
	} else {
		a.guard.Apply(windows)
	}

	if upCfg, err := mapUploaderConfig(newCfg); err != nil {
		a.log.Warn("invalid uploader config; keeping previous", logx.Err(err))
	} else if err := a.registry.Apply(upCfg, a.log.With(logx.String("comp", "uploader"))); err != nil {
		a.log.Warn("invalid uploader commands; keeping previous", logx.Err(err))
	}

	// Queue: apply settings, then reconcile the enabled flag.
	if qCfg, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qCfg)
		switch {
		case oldCfg.Queue.Enabled && !newCfg.Queue.Enabled:
			a.log.Info("queue disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = a.queue.Stop(stopCtx)
			cancel()
		case !oldCfg.Queue.Enabled && newCfg.Queue.Enabled:
			a.log.Info("queue enabled via config")
			if err := a.queue.Start(ctx); err != nil {
				a.log.Error("queue start failed", logx.Err(err))
			}
		}
	}

	if mCfg, err := mapMatrixConfig(newCfg); err != nil {
		a.log.Warn("invalid matrix config; keeping previous", logx.Err(err))
	} else {
		a.matrix.Apply(mCfg)
		switch {
		case oldCfg.Matrix.Enabled && !newCfg.Matrix.Enabled:
			a.log.Info("matrix scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = a.matrix.Stop(stopCtx)
			cancel()
		case !oldCfg.Matrix.Enabled && newCfg.Matrix.Enabled:
			a.log.Info("matrix scheduler enabled via config")
			if err := a.matrix.Start(ctx); err != nil {
				a.log.Error("matrix start failed", logx.Err(err))
			}
		}
	}

	if nCfg, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.notif.Enabled()
		a.notif.Apply(nCfg)
		if tokenChanged(oldCfg, newCfg) {
			a.log.Warn("notify token changed; restart required for the new token to take effect")
		}
		if prevEnabled && !nCfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && nCfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if maintCfg, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(ctx, maintCfg); err != nil {
		a.log.Warn("maintenance reschedule failed; keeping previous", logx.Err(err))
	}

	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func tokenChanged(oldCfg, newCfg *Config) bool {
	var o, n string
	if oldCfg.Notify != nil {
		o = oldCfg.Notify.Telegram.Token
	}
	if newCfg.Notify != nil {
		n = newCfg.Notify.Telegram.Token
	}
	return o != n
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Maintenance first (it only reads/deletes), then intake-facing
	// schedulers, then the notifier so it can report late failures,
	// then infrastructure.
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("matrix", 10*time.Second, func(c context.Context) error { return a.matrix.Stop(c) })
	step("queue", 10*time.Second, func(c context.Context) error { return a.queue.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
