// Package dispatch drives the periodic delivery cycle: find due reminders,
// push each through the notifier, and record the outcome.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Bus event types published by the dispatcher.
const (
	EventSent        = "dispatch.sent"
	EventFailed      = "dispatch.failed"
	EventDeactivated = "user.deactivated"
)

// EventPayload accompanies every dispatch event.
type EventPayload struct {
	ReminderID string `json:"reminder_id"`
	UserID     int64  `json:"user_id"`
	Permanent  bool   `json:"permanent,omitempty"`
}

type Config struct {
	// Interval between cycles. Used by the caller when registering the
	// recurring job; the service itself is trigger-driven.
	Interval time.Duration
	// BatchLimit caps how many due reminders one cycle picks up.
	// The remainder waits for the next cycle.
	BatchLimit int
	// RatePerSec paces deliveries across the batch.
	RatePerSec float64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
}

// Notifier is the delivery surface the dispatcher needs.
type Notifier interface {
	Deliver(ctx context.Context, r storage.Reminder) error
}

// Stats summarizes one cycle.
type Stats struct {
	Due         int
	Sent        int
	Failed      int
	Deactivated int
	Took        time.Duration
	Skipped     bool // trigger arrived while a cycle was running
}

type Service struct {
	cfg      Config
	store    storage.Store
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	limiter  *rate.Limiter
	nowFn    func() time.Time

	// runMu is the single-flight cycle lock. Services rebuilt on config
	// reload must share one lock (UseCycleLock) or an in-flight cycle on the
	// old instance can overlap a trigger on the new one.
	runMu *sync.Mutex
}

func New(cfg Config, store storage.Store, n Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		notifier: n,
		bus:      bus,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		nowFn:    time.Now,
		runMu:    &sync.Mutex{},
	}
}

// UseCycleLock replaces the single-flight lock. Call it before the service
// is triggered for the first time.
func (s *Service) UseCycleLock(mu *sync.Mutex) {
	if mu != nil {
		s.runMu = mu
	}
}

func (s *Service) Interval() time.Duration { return s.cfg.Interval }

// RunCycle executes one dispatch pass. Overlapping triggers are skipped:
// a slow batch must never stack a second batch on top of itself.
func (s *Service) RunCycle(ctx context.Context) Stats {
	if !s.runMu.TryLock() {
		s.log.Debug("dispatch cycle still running, trigger skipped")
		return Stats{Skipped: true}
	}
	defer s.runMu.Unlock()

	started := s.nowFn()

	due, err := s.store.FindDue(ctx, started, s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("due reminders query failed", logx.Err(err))
		return Stats{}
	}
	st := Stats{Due: len(due)}
	if len(due) == 0 {
		return st
	}

	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		s.deliverOne(ctx, r, &st)
	}

	st.Took = s.nowFn().Sub(started)
	s.log.Info("dispatch cycle finished",
		logx.Int("due", st.Due),
		logx.Int("sent", st.Sent),
		logx.Int("failed", st.Failed),
		logx.Int("deactivated", st.Deactivated),
		logx.Duration("took", st.Took),
	)
	return st
}

// deliverOne handles a single reminder. A panic inside delivery is downgraded
// to a failed item so the rest of the batch still runs.
func (s *Service) deliverOne(ctx context.Context, r storage.Reminder, st *Stats) {
	defer func() {
		if rec := recover(); rec != nil {
			st.Failed++
			s.log.Error("delivery panicked",
				logx.String("reminder_id", r.ID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	err := s.notifier.Deliver(ctx, r)
	switch {
	case err == nil:
		transitioned, markErr := s.store.MarkSent(ctx, r.ID)
		if markErr != nil {
			// Delivered but not recorded: the reminder stays eligible and
			// may be re-sent next cycle. At-least-once, by contract.
			st.Failed++
			s.log.Error("sent but mark failed, duplicate possible",
				logx.String("reminder_id", r.ID), logx.Int64("user_id", r.UserID), logx.Err(markErr))
			return
		}
		st.Sent++
		if !transitioned {
			s.log.Debug("reminder already marked sent", logx.String("reminder_id", r.ID))
		}
		s.publish(EventSent, r, false)

	case notifier.IsPermanent(err):
		st.Failed++
		st.Deactivated++
		s.log.Warn("permanent delivery failure, deactivating user",
			logx.String("reminder_id", r.ID), logx.Int64("user_id", r.UserID), logx.Err(err))
		if derr := s.store.SetUserActive(ctx, r.UserID, false); derr != nil {
			s.log.Error("user deactivation failed", logx.Int64("user_id", r.UserID), logx.Err(derr))
		}
		s.publish(EventFailed, r, true)
		s.publish(EventDeactivated, r, true)

	default:
		// Transient (or unclassified): leave the reminder untouched and let
		// the next cycle retry it.
		st.Failed++
		s.log.Warn("transient delivery failure, will retry",
			logx.String("reminder_id", r.ID), logx.Int64("user_id", r.UserID), logx.Err(err))
		s.publish(EventFailed, r, false)
	}
}

func (s *Service) publish(typ string, r storage.Reminder, permanent bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Data: EventPayload{ReminderID: r.ID, UserID: r.UserID, Permanent: permanent},
	})
}
