// Package quota enforces per-plan usage limits.
//
// Free usage is counted per IP address and calendar day; subscriber
// usage is counted per user and rolling billing cycle. Both go through a
// single Ledger whose reservation is atomic per (identity, window, kind).
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imgconvert/internal/models"
	"imgconvert/internal/period"
)

type Kind string

const (
	KindImages    Kind = "images"
	KindBgRemoval Kind = "bg_removal"
)

var Kinds = []Kind{KindImages, KindBgRemoval}

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

type IdentityKind string

const (
	ByIPDate     IdentityKind = "ip"
	ByUserPeriod IdentityKind = "user"
)

// Identity is who a counter belongs to: an IP address (free usage) or a
// user id (subscriber usage).
type Identity struct {
	Kind        IdentityKind
	Key         string
	Fingerprint string
}

func AnonymousIdentity(ip, fingerprint string) Identity {
	return Identity{Kind: ByIPDate, Key: ip, Fingerprint: fingerprint}
}

func SubscriberIdentity(userID string) Identity {
	return Identity{Kind: ByUserPeriod, Key: userID}
}

// Subject is an identity bound to the window its usage is counted in.
type Subject struct {
	Plan     Plan
	Identity Identity
	Window   period.Period
}

// Decision is the result of a reservation. A denial is not an error.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Kind      Kind `json:"kind"`
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	Overage   int  `json:"overage,omitempty"`
}

// Err converts a denial into an *ExceededError and returns nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Kind: d.Kind, Limit: d.Limit, Used: d.Used, Remaining: d.Remaining}
}

type ExceededError struct {
	Kind      Kind
	Limit     int
	Used      int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d, %d remaining", e.Kind, e.Used, e.Limit, e.Remaining)
}

// ErrConfiguration marks usage that cannot be given defined quota
// semantics, such as subscriber usage without an active subscription.
var ErrConfiguration = errors.New("quota configuration error")

// Ledger stores usage counters. Implementations must apply Reserve as a
// single atomic step per (identity, window, kind).
type Ledger interface {
	// Reserve adds amount when used+amount <= limit and reports the
	// counter value afterwards. On denial the counter is left unchanged.
	Reserve(ctx context.Context, id Identity, w period.Period, kind Kind, amount, limit int) (used int, ok bool, err error)
	// Increment adds amount unconditionally.
	Increment(ctx context.Context, id Identity, w period.Period, kind Kind, amount int) (int, error)
	Used(ctx context.Context, id Identity, w period.Period, kind Kind) (int, error)
	// PurgeBefore drops records of the given identity kind whose window
	// started before the cutoff.
	PurgeBefore(ctx context.Context, kind IdentityKind, before time.Time) (int64, error)
}

// SubscriptionProvider exposes the billing state a subscriber's window is
// derived from.
type SubscriptionProvider interface {
	IsActive(ctx context.Context, userID string) (bool, error)
	// CurrentPeriodAnchor returns the date billing cycles are counted
	// from, or false when the user has none.
	CurrentPeriodAnchor(ctx context.Context, userID string) (time.Time, bool, error)
}

// OverageReporter receives subscriber usage beyond the included quota so
// it can be billed.
type OverageReporter interface {
	ReportOverage(ctx context.Context, userID string, kind Kind, units int, w period.Period) error
}

type Limits struct {
	Images            int
	BgRemovals        int
	CycleDays         int
	AllowImageOverage bool
}

type Policy struct {
	Free     Limits
	Pro      Limits
	Location *time.Location
}

// PolicyFrom builds the policy from configuration. Windows are computed in
// loc.
func PolicyFrom(cfg models.QuotaConfig, loc *time.Location) Policy {
	limits := func(l models.PlanLimits) Limits {
		return Limits{Images: l.Images, BgRemovals: l.BgRemovals, CycleDays: l.CycleDays, AllowImageOverage: l.AllowOverage}
	}
	return Policy{Free: limits(cfg.Free), Pro: limits(cfg.Pro), Location: loc}
}

func (p Policy) limits(plan Plan) Limits {
	if plan == PlanPro {
		return p.Pro
	}
	return p.Free
}

func (p Policy) Limit(plan Plan, kind Kind) int {
	l := p.limits(plan)
	if kind == KindBgRemoval {
		return l.BgRemovals
	}
	return l.Images
}

// OverageAllowed reports whether usage past the limit is let through and
// billed instead of blocked.
func (p Policy) OverageAllowed(plan Plan, kind Kind) bool {
	return plan == PlanPro && kind == KindImages && p.Pro.AllowImageOverage
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

func overageUnits(limit, before, after int) int {
	over := func(v int) int {
		if v > limit {
			return v - limit
		}
		return 0
	}
	return over(after) - over(before)
}
