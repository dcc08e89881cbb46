package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore is the dev/test driver. It mirrors the sqlite driver's
// semantics exactly, including FindDue's active-owner join.
type memoryStore struct {
	mu        sync.Mutex
	reminders map[string]Reminder
	users     map[int64]User
	stats     *StatsSnapshot
	now       func() time.Time
}

func NewMemory() Store {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock injects the driver's clock. Tests outside this package
// use it to freeze time.
func NewMemoryWithClock(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{
		reminders: map[string]Reminder{},
		users:     map[int64]User{},
		now:       now,
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CreateReminder(ctx context.Context, r *Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Category == "" {
		r.Category = CategoryTask
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	if err := validateNew(r, now); err != nil {
		return err
	}
	m.reminders[r.ID] = *r
	return nil
}

func (m *memoryStore) RemindersForUser(ctx context.Context, userID int64) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Reminder
	for _, r := range m.reminders {
		if r.UserID == userID && r.Status == StatusActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memoryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var out []Reminder
	for _, r := range m.reminders {
		if r.Status != StatusActive || r.Sent || r.DueAt.After(now) {
			continue
		}
		owner, ok := m.users[r.UserID]
		if !ok || !owner.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) MarkSent(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[id]
	if !ok || r.Sent {
		return false, nil
	}
	r.Sent = true
	r.SentAt = m.now().UTC()
	m.reminders[id] = r
	return true, nil
}

func (m *memoryStore) SoftDelete(ctx context.Context, id string, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reminders[id]
	if !ok || r.UserID != userID || r.Status != StatusActive {
		return false, nil
	}
	r.Status = StatusDeleted
	m.reminders[id] = r
	return true, nil
}

func (m *memoryStore) PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.reminders {
		if r.Sent && r.DueAt.Before(cutoff) {
			delete(m.reminders, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) PurgeUnsentInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.reminders {
		if r.Sent || !r.DueAt.Before(cutoff) {
			continue
		}
		owner, ok := m.users[r.UserID]
		if ok && !owner.Active {
			delete(m.reminders, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountActiveForUser(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.reminders {
		if r.UserID == userID && r.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountCreatedTodayForUser(ctx context.Context, userID int64, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	midnight := utcMidnight(now)
	n := 0
	for _, r := range m.reminders {
		if r.UserID == userID && r.Status == StatusActive && !r.CreatedAt.Before(midnight) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) GetUser(ctx context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) UpsertUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	applyUserDefaults(&u, m.now())
	if prev, ok := m.users[u.ID]; ok {
		// Match the sqlite conflict clause: only identity fields refresh.
		prev.Username = u.Username
		prev.FirstName = u.FirstName
		m.users[u.ID] = prev
		return nil
	}
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) SetUserTier(ctx context.Context, id int64, tier Tier, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Tier = tier
	u.TierExpiresAt = expiresAt
	m.users[id] = u
	return nil
}

func (m *memoryStore) SetUserActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	m.users[id] = u
	return nil
}

func (m *memoryStore) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) CountUsers(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *memoryStore) CountActiveUsers(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, u := range m.users {
		if u.Active {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountActiveReminders(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.reminders {
		if r.Status == StatusActive && !r.Sent {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountSentToday(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	midnight := utcMidnight(now)
	var n int64
	for _, r := range m.reminders {
		if r.Sent && !r.SentAt.Before(midnight) {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) UpsertStatsSnapshot(ctx context.Context, s StatsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now().UTC()
	}
	cp := s
	m.stats = &cp
	return nil
}

func (m *memoryStore) GetStatsSnapshot(ctx context.Context) (StatsSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stats == nil {
		return StatsSnapshot{}, false, nil
	}
	return *m.stats, true, nil
}
