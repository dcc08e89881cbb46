// Package quota gates reminder creation by subscription tier.
package quota

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Bound is a creation limit: either a finite count or unlimited.
// The tagged form avoids sentinel arithmetic (-1 meaning "no limit").
type Bound struct {
	n         int
	unlimited bool
}

func Finite(n int) Bound {
	if n < 0 {
		n = 0
	}
	return Bound{n: n}
}

func Unlimited() Bound { return Bound{unlimited: true} }

func (b Bound) IsUnlimited() bool { return b.unlimited }

// Limit returns the finite limit. Only meaningful when !IsUnlimited().
func (b Bound) Limit() int { return b.n }

// Allows reports whether one more creation fits under the bound
// given the current count.
func (b Bound) Allows(current int) bool {
	return b.unlimited || current < b.n
}

func (b Bound) String() string {
	if b.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", b.n)
}

// Limits is the per-tier pair of bounds.
type Limits struct {
	Total Bound // active reminders at any time
	Daily Bound // reminders created since UTC midnight
}

// Table maps tiers to limits. Unknown tiers evaluate as free.
type Table map[storage.Tier]Limits

// DefaultTable mirrors the production tier scheme.
func DefaultTable() Table {
	return Table{
		storage.TierFree:      {Total: Finite(5), Daily: Finite(3)},
		storage.TierPremium:   {Total: Finite(100), Daily: Finite(50)},
		storage.TierUnlimited: {Total: Unlimited(), Daily: Unlimited()},
	}
}

func (t Table) limitsFor(tier storage.Tier) Limits {
	if l, ok := t[tier]; ok {
		return l
	}
	if l, ok := t[storage.TierFree]; ok {
		return l
	}
	return Limits{Total: Finite(0), Daily: Finite(0)}
}

// Reason explains a deny decision.
type Reason string

const (
	ReasonUserUnknown Reason = "user_unknown"
	ReasonTotalLimit  Reason = "total_limit"
	ReasonDailyLimit  Reason = "daily_limit"
)

// Decision is the outcome of a quota check. An exceeded quota is a
// decision, not an error: errors mean the check itself failed.
type Decision struct {
	Allowed bool
	Reason  Reason
	Tier    storage.Tier // effective tier the decision was evaluated under
	Used    int          // count measured against the violated bound (deny only)
	Bound   Bound        // the violated bound (deny only)
}

func allow(tier storage.Tier) Decision { return Decision{Allowed: true, Tier: tier} }

func deny(tier storage.Tier, reason Reason, used int, bound Bound) Decision {
	return Decision{Reason: reason, Tier: tier, Used: used, Bound: bound}
}

type Evaluator struct {
	store storage.Store
	table Table
	log   logx.Logger
	nowFn func() time.Time
}

func NewEvaluator(store storage.Store, table Table, log logx.Logger) *Evaluator {
	if table == nil {
		table = DefaultTable()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{store: store, table: table, log: log, nowFn: time.Now}
}

// CanCreate decides whether userID may create one more reminder right now.
//
// An expired paid tier is evaluated as free. The durable downgrade is fired
// as a side effect; if that write fails the evaluation still proceeds with
// the downgraded limits so an expired user can never ride a stale tier.
func (e *Evaluator) CanCreate(ctx context.Context, userID int64) (Decision, error) {
	now := e.nowFn()

	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return deny("", ReasonUserUnknown, 0, Bound{}), nil
		}
		return Decision{}, fmt.Errorf("quota: load user %d: %w", userID, err)
	}

	tier := u.Tier
	if expired(u, now) {
		tier = storage.TierFree
		if err := e.store.SetUserTier(ctx, u.ID, storage.TierFree, time.Time{}); err != nil {
			e.log.Warn("tier downgrade write failed",
				logx.Int64("user_id", u.ID), logx.String("from", string(u.Tier)), logx.Err(err))
		} else {
			e.log.Info("tier expired, downgraded to free",
				logx.Int64("user_id", u.ID), logx.String("from", string(u.Tier)))
		}
	}

	lim := e.table.limitsFor(tier)

	if !lim.Total.IsUnlimited() {
		total, err := e.store.CountActiveForUser(ctx, userID)
		if err != nil {
			return Decision{}, fmt.Errorf("quota: count active for %d: %w", userID, err)
		}
		if !lim.Total.Allows(total) {
			return deny(tier, ReasonTotalLimit, total, lim.Total), nil
		}
	}

	if !lim.Daily.IsUnlimited() {
		today, err := e.store.CountCreatedTodayForUser(ctx, userID, now)
		if err != nil {
			return Decision{}, fmt.Errorf("quota: count today for %d: %w", userID, err)
		}
		if !lim.Daily.Allows(today) {
			return deny(tier, ReasonDailyLimit, today, lim.Daily), nil
		}
	}

	return allow(tier), nil
}

// expired reports whether a paid tier has lapsed. A zero expiry never lapses.
func expired(u storage.User, now time.Time) bool {
	if u.Tier == storage.TierFree || u.TierExpiresAt.IsZero() {
		return false
	}
	return !u.TierExpiresAt.After(now)
}
