// Package billing reads subscription state from Stripe and reports
// metered overage.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/subscription"

	"imgconvert/internal/period"
	"imgconvert/internal/quota"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionMismatch = errors.New("subscription belongs to another user")
	ErrNoCustomer           = errors.New("subscription has no customer")
)

// SubscriptionStore maps local users to Stripe subscription ids.
type SubscriptionStore interface {
	SubscriptionID(ctx context.Context, userID string) (string, bool, error)
	SaveSubscription(ctx context.Context, userID, customerID, subscriptionID string) error
}

type cached struct {
	sub     *stripe.Subscription
	fetched time.Time
}

// Stripe implements quota.SubscriptionProvider and quota.OverageReporter.
type Stripe struct {
	store     SubscriptionStore
	meterName string
	ttl       time.Duration
	log       *slog.Logger

	fetch  func(id string) (*stripe.Subscription, error)
	report func(params *stripe.BillingMeterEventParams) error
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

func NewStripe(key, meterName string, store SubscriptionStore, log *slog.Logger) *Stripe {
	stripe.Key = key
	return &Stripe{
		store:     store,
		meterName: meterName,
		ttl:       time.Minute,
		log:       log,
		fetch: func(id string) (*stripe.Subscription, error) {
			return subscription.Get(id, nil)
		},
		report: func(params *stripe.BillingMeterEventParams) error {
			_, err := meterevent.New(params)
			return err
		},
		now:   time.Now,
		cache: make(map[string]cached),
	}
}

// subscription returns the user's Stripe subscription, or nil when the
// user never subscribed.
func (s *Stripe) subscription(ctx context.Context, userID string) (*stripe.Subscription, error) {
	const op = "billing.Stripe.subscription"

	s.mu.Lock()
	c, ok := s.cache[userID]
	s.mu.Unlock()
	if ok && s.now().Sub(c.fetched) < s.ttl {
		return c.sub, nil
	}

	id, ok, err := s.store.SubscriptionID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var sub *stripe.Subscription
	if ok {
		sub, err = s.fetch(id)
		if err != nil {
			var serr *stripe.Error
			if !errors.As(err, &serr) || serr.HTTPStatusCode != 404 {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			s.log.Warn("stripe subscription not found", slog.String("user_id", userID), slog.String("subscription_id", id))
			sub = nil
		}
	}

	s.mu.Lock()
	s.cache[userID] = cached{sub: sub, fetched: s.now()}
	s.mu.Unlock()
	return sub, nil
}

// Link records subscriptionID as the user's subscription after checking it
// with Stripe. A subscription tagged with a userID in its metadata can only
// be linked by that user.
func (s *Stripe) Link(ctx context.Context, userID, subscriptionID string) (*stripe.Subscription, error) {
	const op = "billing.Stripe.Link"

	sub, err := s.fetch(subscriptionID)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if owner := sub.Metadata["userID"]; owner != "" && owner != userID {
		return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionMismatch)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoCustomer)
	}

	if err := s.store.SaveSubscription(ctx, userID, sub.Customer.ID, sub.ID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	s.cache[userID] = cached{sub: sub, fetched: s.now()}
	s.mu.Unlock()

	s.log.Info("subscription linked",
		slog.String("user_id", userID),
		slog.String("subscription_id", sub.ID),
		slog.String("status", string(sub.Status)))
	return sub, nil
}

func (s *Stripe) IsActive(ctx context.Context, userID string) (bool, error) {
	sub, err := s.subscription(ctx, userID)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, nil
	}
	return sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing, nil
}

// CurrentPeriodAnchor is the billing cycle anchor, falling back to the
// subscription start date.
func (s *Stripe) CurrentPeriodAnchor(ctx context.Context, userID string) (time.Time, bool, error) {
	sub, err := s.subscription(ctx, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	if sub == nil {
		return time.Time{}, false, nil
	}
	anchor := sub.BillingCycleAnchor
	if anchor == 0 {
		anchor = sub.StartDate
	}
	if anchor == 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(anchor, 0).UTC(), true, nil
}

// ReportOverage sends a meter event for units beyond the included quota.
func (s *Stripe) ReportOverage(ctx context.Context, userID string, kind quota.Kind, units int, w period.Period) error {
	const op = "billing.Stripe.ReportOverage"

	sub, err := s.subscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sub == nil || sub.Customer == nil {
		return fmt.Errorf("%s: user %s has no billing customer: %w", op, userID, quota.ErrConfiguration)
	}

	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(s.meterName),
		Identifier: stripe.String(uuid.NewString()),
		Timestamp:  stripe.Int64(s.now().Unix()),
		Payload: map[string]string{
			"stripe_customer_id": sub.Customer.ID,
			"value":              strconv.Itoa(units),
		},
	}
	params.Context = ctx
	if err := s.report(params); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("overage reported",
		slog.String("user_id", userID),
		slog.String("kind", string(kind)),
		slog.Int("units", units),
		slog.String("period_start", w.Key()))
	return nil
}
