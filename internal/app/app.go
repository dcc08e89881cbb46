// Package app wires the reminder engine together and owns its lifecycle:
// config load and hot reload, service construction, scheduled jobs, and the
// bounded shutdown sequence.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/maintenance"
	"remindbot/internal/notifier"
	"remindbot/internal/quota"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/sched"
	"remindbot/internal/storage"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
)

const (
	jobDispatch = "dispatch.cycle"
	jobCleanup  = "maintenance.cleanup"
	jobStats    = "maintenance.stats"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	sched   *sched.Service

	// Services rebuilt on config hot reload. The scheduled jobs close over
	// the App and read the current pointer on every trigger.
	notif atomic.Pointer[notifier.Service]
	disp  atomic.Pointer[dispatch.Service]
	maint atomic.Pointer[maintenance.Service]
	eval  atomic.Pointer[quota.Evaluator]

	// cycleMu is shared by every dispatcher this App ever builds, so a cycle
	// still running on a pre-reload instance blocks triggers on its
	// replacement.
	cycleMu sync.Mutex
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error { return c.Validate() })

	bus := eventbus.New()

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))

	apiTimeout, err := config.ParseDurationOrDefault("telegram.api_timeout", cfg.Telegram.APITimeout, 10*time.Second)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		APITimeout: apiTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched.New(sched.Config{Timezone: cfg.Scheduler.Timezone}, log.With(logx.String("comp", "sched"))),
	}
	if err := a.applyConfig(cfg); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

// applyConfig (re)builds the config-derived services and upserts the
// scheduled jobs. It runs at construction and on every accepted hot reload.
func (a *App) applyConfig(cfg *config.Config) error {
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 15*time.Second)
	if err != nil {
		return err
	}
	interval, err := config.ParseDurationOrDefault("dispatch.interval", cfg.Dispatch.Interval, time.Minute)
	if err != nil {
		return err
	}
	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}

	n := notifier.New(notifier.Config{
		SendTimeout: sendTimeout,
		Stickers:    notifier.DefaultStickers(),
	}, a.adapter, a.log.With(logx.String("comp", "notifier")))

	d := dispatch.New(dispatch.Config{
		Interval:   interval,
		BatchLimit: cfg.Dispatch.BatchLimit,
		RatePerSec: cfg.Dispatch.RatePerSec,
	}, a.store, n, a.bus, a.log.With(logx.String("comp", "dispatch")))
	d.UseCycleLock(&a.cycleMu)

	m := maintenance.New(mcfg, a.store, a.bus, a.log.With(logx.String("comp", "maintenance")))

	e := quota.NewEvaluator(a.store, mapQuotaTable(cfg), a.log.With(logx.String("comp", "quota")))

	a.notif.Store(n)
	a.disp.Store(d)
	a.maint.Store(m)
	a.eval.Store(e)

	// Upsert-by-name keeps re-registration idempotent across reloads.
	if err := a.sched.AddInterval(jobDispatch, d.Interval(), 0, func(ctx context.Context) {
		a.disp.Load().RunCycle(ctx)
	}); err != nil {
		return err
	}
	if err := a.sched.AddDaily(jobCleanup, m.CleanupAt(), 5*time.Minute, func(ctx context.Context) {
		a.maint.Load().RunCleanup(ctx)
	}); err != nil {
		return err
	}
	if err := a.sched.AddInterval(jobStats, m.StatsInterval(), time.Minute, func(ctx context.Context) {
		a.maint.Load().RunStatsRefresh(ctx)
	}); err != nil {
		return err
	}
	return nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
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
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				if err := a.applyConfig(newCfg); err != nil {
					// Validator should have caught this; keep the old services.
					a.log.Error("config apply failed", logx.Err(err))
					continue
				}
				a.log.Info("config applied",
					logx.String("path", a.cfgPath),
					logx.String("note", "telegram token and storage driver changes need a restart"))
			}
		}
	})

	// Debug visibility into dispatch/maintenance events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Prime the stats snapshot so admin reads have data before the first tick.
	a.sup.Go0("stats.prime", func(c context.Context) {
		pctx, cancel := context.WithTimeout(c, 30*time.Second)
		defer cancel()
		a.maint.Load().RunStatsRefresh(pctx)
	})

	a.log.Info("started",
		logx.String("config", a.cfgPath),
		logx.Duration("dispatch_interval", a.disp.Load().Interval()),
	)
	return nil
}

// Stop tears the app down in order: stop triggering, stop outbound sends,
// close storage, then wait for supervised goroutines. Each step gets its own
// budget so one stuck component cannot hang shutdown.
func (a *App) Stop(reason string) error {
	a.log.Info("stopping", logx.String("reason", reason))

	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(c context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		start := time.Now()

		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// In-flight dispatch finishes inside the scheduler stop budget; a send
	// that survives it is abandoned without marking.
	step("scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// ---- gates and admin surface ----

// CreateReminder is the quota-gated creation entry point. A deny comes back
// as a Decision with Allowed=false and a nil error; validation failures
// surface as *storage.ValidationError.
func (a *App) CreateReminder(ctx context.Context, r *storage.Reminder) (quota.Decision, error) {
	d, err := a.eval.Load().CanCreate(ctx, r.UserID)
	if err != nil {
		return quota.Decision{}, err
	}
	if !d.Allowed {
		return d, nil
	}
	if err := a.store.CreateReminder(ctx, r); err != nil {
		return d, err
	}
	return d, nil
}

// Quota exposes the current evaluator for external creation flows.
func (a *App) Quota() *quota.Evaluator { return a.eval.Load() }

// IsAdmin reports whether id is listed in quota.admin_ids. Callers guard the
// admin reads (Stats, SchedulerStatus) with it.
func (a *App) IsAdmin(id int64) bool {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return false
	}
	for _, admin := range cfg.Quota.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// Stats returns the aggregate snapshot, recomputing when the stored one is
// older than maxAge.
func (a *App) Stats(ctx context.Context, maxAge time.Duration) (storage.StatsSnapshot, error) {
	return a.maint.Load().Snapshot(ctx, maxAge)
}

// SchedulerStatus reports the registered jobs for liveness checks.
func (a *App) SchedulerStatus() []sched.JobStatus { return a.sched.Snapshot() }

// Store exposes the persistence layer for read paths (listing, soft delete).
func (a *App) Store() storage.Store { return a.store }
