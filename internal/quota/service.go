package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imgconvert/internal/period"
)

type Service struct {
	ledger  Ledger
	subs    SubscriptionProvider
	overage OverageReporter
	policy  Policy
	log     *slog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithOverageReporter(r OverageReporter) Option {
	return func(s *Service) { s.overage = r }
}

func NewService(ledger Ledger, subs SubscriptionProvider, policy Policy, log *slog.Logger, opts ...Option) *Service {
	if policy.Location == nil {
		policy.Location = time.Local
	}
	s := &Service{
		ledger: ledger,
		subs:   subs,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy {
	return s.policy
}

// Resolve picks the subject a request is counted against. Users with an
// active subscription are counted per billing cycle; everyone else per
// IP address and calendar day.
func (s *Service) Resolve(ctx context.Context, userID, ip, fingerprint string) (Subject, error) {
	const op = "quota.Resolve"

	if userID != "" && s.subs != nil {
		active, err := s.subs.IsActive(ctx, userID)
		if err != nil {
			return Subject{}, fmt.Errorf("%s: %w", op, err)
		}
		if active {
			return s.ResolvePro(ctx, userID)
		}
	}

	if ip == "" {
		return Subject{}, fmt.Errorf("%s: %w: anonymous usage without an ip address", op, ErrConfiguration)
	}
	return Subject{
		Plan:     PlanFree,
		Identity: AnonymousIdentity(ip, fingerprint),
		Window:   period.Daily(s.now(), s.policy.Location),
	}, nil
}

// ResolvePro returns the subscriber subject for userID. It fails with
// ErrConfiguration when the user has no active subscription or no anchor.
func (s *Service) ResolvePro(ctx context.Context, userID string) (Subject, error) {
	const op = "quota.ResolvePro"

	if s.subs == nil {
		return Subject{}, fmt.Errorf("%s: %w: no subscription provider", op, ErrConfiguration)
	}
	active, err := s.subs.IsActive(ctx, userID)
	if err != nil {
		return Subject{}, fmt.Errorf("%s: %w", op, err)
	}
	if !active {
		return Subject{}, fmt.Errorf("%s: %w: user %s has no active subscription", op, ErrConfiguration, userID)
	}
	anchor, ok, err := s.subs.CurrentPeriodAnchor(ctx, userID)
	if err != nil {
		return Subject{}, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return Subject{}, fmt.Errorf("%s: %w: user %s has no billing anchor", op, ErrConfiguration, userID)
	}
	return Subject{
		Plan:     PlanPro,
		Identity: SubscriberIdentity(userID),
		Window:   period.Rolling(anchor, s.policy.Pro.CycleDays, s.now()),
	}, nil
}

// CheckAndReserve consumes amount units for subj if the quota allows it.
// Subscriber image usage past the quota is always allowed and reported
// as overage.
func (s *Service) CheckAndReserve(ctx context.Context, subj Subject, kind Kind, amount int) (Decision, error) {
	const op = "quota.CheckAndReserve"

	limit := s.policy.Limit(subj.Plan, kind)
	if amount <= 0 {
		used, err := s.ledger.Used(ctx, subj.Identity, subj.Window, kind)
		if err != nil {
			return Decision{}, fmt.Errorf("%s: %w", op, err)
		}
		return Decision{Allowed: true, Kind: kind, Limit: limit, Used: used, Remaining: remaining(limit, used)}, nil
	}

	if s.policy.OverageAllowed(subj.Plan, kind) {
		used, err := s.ledger.Increment(ctx, subj.Identity, subj.Window, kind, amount)
		if err != nil {
			return Decision{}, fmt.Errorf("%s: %w", op, err)
		}
		d := Decision{
			Allowed:   true,
			Kind:      kind,
			Limit:     limit,
			Used:      used,
			Remaining: remaining(limit, used),
			Overage:   overageUnits(limit, used-amount, used),
		}
		if d.Overage > 0 {
			s.reportOverage(ctx, subj, kind, d.Overage)
		}
		return d, nil
	}

	used, ok, err := s.ledger.Reserve(ctx, subj.Identity, subj.Window, kind, amount, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", op, err)
	}
	d := Decision{Allowed: ok, Kind: kind, Limit: limit, Used: used, Remaining: remaining(limit, used)}
	if !ok {
		s.log.Info("quota denied",
			slog.String("plan", string(subj.Plan)),
			slog.String("identity", subj.Identity.Key),
			slog.String("kind", string(kind)),
			slog.Int("requested", amount),
			slog.Int("used", used),
			slog.Int("limit", limit))
	}
	return d, nil
}

// Increment records consumption without checking the limit. Each call is
// one real unit of work; callers must not repeat it.
func (s *Service) Increment(ctx context.Context, subj Subject, kind Kind, amount int) (int, error) {
	const op = "quota.Increment"

	used, err := s.ledger.Increment(ctx, subj.Identity, subj.Window, kind, amount)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return used, nil
}

func (s *Service) Remaining(ctx context.Context, subj Subject, kind Kind) (int, error) {
	const op = "quota.Remaining"

	used, err := s.ledger.Used(ctx, subj.Identity, subj.Window, kind)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return remaining(s.policy.Limit(subj.Plan, kind), used), nil
}

type Counter struct {
	Limit          int  `json:"limit"`
	Used           int  `json:"used"`
	Remaining      int  `json:"remaining"`
	OverageAllowed bool `json:"overage_allowed"`
}

type Usage struct {
	Plan          Plan             `json:"plan"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	DaysRemaining int              `json:"days_remaining"`
	Counters      map[Kind]Counter `json:"counters"`
}

// Usage reports every counter of subj for display.
func (s *Service) Usage(ctx context.Context, subj Subject) (Usage, error) {
	const op = "quota.Usage"

	u := Usage{
		Plan:          subj.Plan,
		PeriodStart:   subj.Window.Start,
		PeriodEnd:     subj.Window.End,
		DaysRemaining: subj.Window.DaysRemaining(s.now()),
		Counters:      make(map[Kind]Counter, len(Kinds)),
	}
	for _, kind := range Kinds {
		used, err := s.ledger.Used(ctx, subj.Identity, subj.Window, kind)
		if err != nil {
			return Usage{}, fmt.Errorf("%s: %w", op, err)
		}
		limit := s.policy.Limit(subj.Plan, kind)
		u.Counters[kind] = Counter{
			Limit:          limit,
			Used:           used,
			Remaining:      remaining(limit, used),
			OverageAllowed: s.policy.OverageAllowed(subj.Plan, kind),
		}
	}
	return u, nil
}

// PurgeAnonymous drops free-tier usage records older than retention.
func (s *Service) PurgeAnonymous(ctx context.Context, retention time.Duration) (int64, error) {
	const op = "quota.PurgeAnonymous"

	n, err := s.ledger.PurgeBefore(ctx, ByIPDate, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *Service) reportOverage(ctx context.Context, subj Subject, kind Kind, units int) {
	s.log.Info("quota overage",
		slog.String("user_id", subj.Identity.Key),
		slog.String("kind", string(kind)),
		slog.Int("units", units),
		slog.String("period_start", subj.Window.Key()))

	if s.overage == nil {
		return
	}
	if err := s.overage.ReportOverage(ctx, subj.Identity.Key, kind, units, subj.Window); err != nil {
		s.log.Error("overage report failed",
			slog.String("user_id", subj.Identity.Key),
			slog.Int("units", units),
			slog.Any("error", err))
	}
}
