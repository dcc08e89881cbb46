package quota

import (
	"context"
	"testing"
	"time"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// newStore freezes the driver clock to testNow so created_at and the
// evaluator agree on what "today" means.
func newStore() storage.Store {
	return storage.NewMemoryWithClock(func() time.Time { return testNow })
}

func newEvaluator(t *testing.T, st storage.Store) *Evaluator {
	t.Helper()
	e := NewEvaluator(st, DefaultTable(), logx.Nop())
	e.nowFn = func() time.Time { return testNow }
	return e
}

func seedUser(t *testing.T, st storage.Store, u storage.User) {
	t.Helper()
	if err := st.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedReminders(t *testing.T, st storage.Store, userID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := storage.Reminder{UserID: userID, Title: "r", DueAt: testNow.Add(time.Hour)}
		if err := st.CreateReminder(context.Background(), &r); err != nil {
			t.Fatalf("seed reminder: %v", err)
		}
	}
}

func TestCanCreateUnknownUser(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, newStore())
	d, err := e.CanCreate(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || d.Reason != ReasonUserUnknown {
		t.Fatalf("decision: %+v", d)
	}
}

func TestCanCreateBounds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		tier    storage.Tier
		seeded  int
		allowed bool
		reason  Reason
	}{
		{"free under limits", storage.TierFree, 2, true, ""},
		{"free at daily limit", storage.TierFree, 3, false, ReasonDailyLimit},
		{"free at total limit", storage.TierFree, 5, false, ReasonTotalLimit},
		{"premium under limits", storage.TierPremium, 10, true, ""},
		{"unlimited never denies", storage.TierUnlimited, 200, true, ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := newStore()
			seedUser(t, st, storage.User{ID: 1, Tier: tc.tier, TierExpiresAt: testNow.Add(time.Hour), Active: true})
			seedReminders(t, st, 1, tc.seeded)

			e := newEvaluator(t, st)
			d, err := e.CanCreate(context.Background(), 1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed: got %v want %v (%+v)", d.Allowed, tc.allowed, d)
			}
			if !tc.allowed && d.Reason != tc.reason {
				t.Fatalf("reason: got %q want %q", d.Reason, tc.reason)
			}
		})
	}
}

func TestExpiredTierEvaluatesAsFree(t *testing.T) {
	t.Parallel()

	st := newStore()
	seedUser(t, st, storage.User{ID: 1, Tier: storage.TierPremium, TierExpiresAt: testNow.Add(-time.Minute), Active: true})
	// 10 reminders: fine for premium, over every free bound.
	seedReminders(t, st, 1, 10)

	e := newEvaluator(t, st)
	d, err := e.CanCreate(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expired premium allowed: %+v", d)
	}
	if d.Tier != storage.TierFree {
		t.Fatalf("effective tier: %q", d.Tier)
	}

	// The downgrade side effect is durable.
	u, err := st.GetUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Tier != storage.TierFree || !u.TierExpiresAt.IsZero() {
		t.Fatalf("user not downgraded: %+v", u)
	}
}

func TestZeroExpiryNeverLapses(t *testing.T) {
	t.Parallel()

	st := newStore()
	seedUser(t, st, storage.User{ID: 1, Tier: storage.TierUnlimited, Active: true})
	// Provisioning defaults give paid tiers a trial window; force the
	// never-expires form.
	if err := st.SetUserTier(context.Background(), 1, storage.TierUnlimited, time.Time{}); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	seedReminders(t, st, 1, 50)

	e := newEvaluator(t, st)
	d, err := e.CanCreate(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Tier != storage.TierUnlimited {
		t.Fatalf("decision: %+v", d)
	}
}

func TestBoundAllows(t *testing.T) {
	t.Parallel()

	if !Unlimited().Allows(1 << 30) {
		t.Fatal("unlimited denied")
	}
	b := Finite(3)
	if !b.Allows(2) {
		t.Fatal("under bound denied")
	}
	if b.Allows(3) {
		t.Fatal("at bound allowed")
	}
	if Finite(-5).Allows(0) {
		t.Fatal("negative bound allowed")
	}
	if got := b.String(); got != "3" {
		t.Fatalf("String: %q", got)
	}
	if got := Unlimited().String(); got != "unlimited" {
		t.Fatalf("String: %q", got)
	}
}
