// Package sched is the shared recurring-job facility: named jobs on a cron
// runner, upsert-by-name, per-job overlap skip and timeout, and a snapshot
// for liveness reporting.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindbot/pkg/logx"
)

type Job func(ctx context.Context)

type Config struct {
	// Timezone is an IANA name for daily schedules. Empty means UTC.
	Timezone string
}

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job

	id      cron.EntryID
	running int32
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	c       *cron.Cron
	loc     *time.Location
	entries map[string]*entry
	baseCtx context.Context
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		entries: map[string]*entry{},
		baseCtx: context.Background(),
	}
}

// AddInterval registers (or replaces) a job that runs every `every`.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("sched: job %q: interval must be positive", name)
	}
	return s.add(name, "@every "+every.String(), timeout, job)
}

// AddDaily registers (or replaces) a job that runs once a day at "HH:MM"
// in the configured timezone.
func (s *Service) AddDaily(name string, at string, timeout time.Duration, job Job) error {
	h, m, err := parseHHMM(at)
	if err != nil {
		return fmt.Errorf("sched: job %q: %w", name, err)
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("sched: job name is empty")
	}
	if job == nil {
		return fmt.Errorf("sched: job %q is nil", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert: a same-named job replaces the previous registration.
	if prev, ok := s.entries[name]; ok && s.c != nil {
		s.c.Remove(prev.id)
	}

	e := &entry{name: name, spec: spec, timeout: timeout, job: job}
	s.entries[name] = e
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

func (s *Service) scheduleLocked(e *entry) error {
	id, err := s.c.AddFunc(e.spec, func() { s.run(e) })
	if err != nil {
		delete(s.entries, e.name)
		return fmt.Errorf("sched: job %q: %w", e.name, err)
	}
	e.id = id
	s.log.Debug("job scheduled", logx.String("name", e.name), logx.String("spec", e.spec))
	return nil
}

// Remove unregisters a job. Unknown names are a no-op.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return
	}
	delete(s.entries, name)
	if s.c != nil {
		s.c.Remove(e.id)
	}
	s.log.Debug("job removed", logx.String("name", name))
}

// Start begins triggering. Jobs registered before Start are scheduled now;
// jobs added later are scheduled immediately.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.baseCtx = ctx
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))

	for _, e := range s.entries {
		if err := s.scheduleLocked(e); err != nil {
			return err
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.entries)))
	return nil
}

// Stop halts triggering and waits for running jobs up to ctx's deadline.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// Running jobs keep going; they observe their own timeouts.
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) run(e *entry) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		s.log.Debug("job still running, tick skipped", logx.String("name", e.name))
		return
	}
	defer atomic.StoreInt32(&e.running, 0)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("job panicked",
				logx.String("name", e.name), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	e.job(ctx)
	s.log.Trace("job finished", logx.String("name", e.name), logx.Duration("took", time.Since(start)))
}

// JobStatus is one row of the liveness snapshot.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitempty"`
	Running bool      `json:"running"`
}

// Snapshot reports every registered job with its cron timing.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := JobStatus{
			Name:    e.name,
			Spec:    e.spec,
			Running: atomic.LoadInt32(&e.running) == 1,
		}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			st.Next = ce.Next
			st.Prev = ce.Prev
		}
		out = append(out, st)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("bad timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func parseHHMM(raw string) (h, m int, err error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time %q, want HH:MM", raw)
	}
	h, err = strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", raw)
	}
	m, err = strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", raw)
	}
	return h, m, nil
}
