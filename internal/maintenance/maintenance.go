// Package maintenance hosts the recurring housekeeping jobs: the daily
// cleanup purge and the hourly stats snapshot refresh.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

const (
	EventCleanup = "maintenance.cleanup"
	EventStats   = "maintenance.stats"
)

type Config struct {
	// CleanupAt is the daily run time, "HH:MM" in the scheduler timezone.
	CleanupAt string
	// Retention keeps sent reminders around for this long past their due
	// time before the purge removes them.
	Retention time.Duration
	// InactiveRetention optionally purges unsent reminders of deactivated
	// users once they age past it. Zero keeps them forever.
	InactiveRetention time.Duration
	// StatsInterval spaces the snapshot refreshes.
	StatsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.CleanupAt == "" {
		c.CleanupAt = "00:00"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Hour
	}
}

type CleanupResult struct {
	PurgedSent     int64
	PurgedInactive int64
}

type Service struct {
	cfg   Config
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	nowFn func() time.Time
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, bus: bus, log: log, nowFn: time.Now}
}

func (s *Service) CleanupAt() string            { return s.cfg.CleanupAt }
func (s *Service) StatsInterval() time.Duration { return s.cfg.StatsInterval }

// RunCleanup purges sent reminders past retention and, when configured,
// dead unsent rows of deactivated users. Errors are logged and swallowed:
// a failed purge must not poison tomorrow's run.
func (s *Service) RunCleanup(ctx context.Context) CleanupResult {
	now := s.nowFn()
	var res CleanupResult

	cutoff := now.Add(-s.cfg.Retention)
	n, err := s.store.PurgeSentOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("sent-reminder purge failed", logx.Err(err))
	} else {
		res.PurgedSent = n
	}

	if s.cfg.InactiveRetention > 0 {
		deadCutoff := now.Add(-s.cfg.InactiveRetention)
		n, err := s.store.PurgeUnsentInactiveOlderThan(ctx, deadCutoff)
		if err != nil {
			s.log.Error("inactive-reminder purge failed", logx.Err(err))
		} else {
			res.PurgedInactive = n
		}
	}

	s.log.Info("cleanup finished",
		logx.Int64("purged_sent", res.PurgedSent),
		logx.Int64("purged_inactive", res.PurgedInactive),
		logx.Time("cutoff", cutoff),
	)

	// The daily pass also refreshes stats so the snapshot reflects the purge.
	if _, err := s.RefreshNow(ctx); err != nil {
		s.log.Error("post-cleanup stats refresh failed", logx.Err(err))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventCleanup, Data: res})
	}
	return res
}

// RefreshNow recomputes the aggregate snapshot and persists it.
// Admin-facing reads call this when they want fresh numbers.
func (s *Service) RefreshNow(ctx context.Context) (storage.StatsSnapshot, error) {
	now := s.nowFn()

	var snap storage.StatsSnapshot
	var err error
	if snap.TotalUsers, err = s.store.CountUsers(ctx); err != nil {
		return storage.StatsSnapshot{}, fmt.Errorf("count users: %w", err)
	}
	if snap.ActiveUsers, err = s.store.CountActiveUsers(ctx); err != nil {
		return storage.StatsSnapshot{}, fmt.Errorf("count active users: %w", err)
	}
	if snap.ActiveReminders, err = s.store.CountActiveReminders(ctx); err != nil {
		return storage.StatsSnapshot{}, fmt.Errorf("count active reminders: %w", err)
	}
	if snap.SentToday, err = s.store.CountSentToday(ctx, now); err != nil {
		return storage.StatsSnapshot{}, fmt.Errorf("count sent today: %w", err)
	}
	snap.UpdatedAt = now.UTC()

	if err := s.store.UpsertStatsSnapshot(ctx, snap); err != nil {
		return storage.StatsSnapshot{}, fmt.Errorf("upsert snapshot: %w", err)
	}

	s.log.Debug("stats snapshot refreshed",
		logx.Int64("total_users", snap.TotalUsers),
		logx.Int64("active_users", snap.ActiveUsers),
		logx.Int64("active_reminders", snap.ActiveReminders),
		logx.Int64("sent_today", snap.SentToday),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventStats, Data: snap})
	}
	return snap, nil
}

// RunStatsRefresh is the scheduled wrapper around RefreshNow: errors are
// logged and swallowed so the next tick runs regardless.
func (s *Service) RunStatsRefresh(ctx context.Context) {
	if _, err := s.RefreshNow(ctx); err != nil {
		s.log.Error("stats refresh failed", logx.Err(err))
	}
}

// Snapshot returns the stored snapshot, refreshing it first when the stored
// one is missing or older than maxAge.
func (s *Service) Snapshot(ctx context.Context, maxAge time.Duration) (storage.StatsSnapshot, error) {
	snap, ok, err := s.store.GetStatsSnapshot(ctx)
	if err != nil {
		return storage.StatsSnapshot{}, err
	}
	if ok && (maxAge <= 0 || s.nowFn().Sub(snap.UpdatedAt) <= maxAge) {
		return snap, nil
	}
	return s.RefreshNow(ctx)
}
