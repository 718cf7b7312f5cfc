package billing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"imgconvert/internal/period"
	"imgconvert/internal/quota"
)

type mapStore struct {
	subs      map[string]string
	customers map[string]string
}

func (m *mapStore) SubscriptionID(_ context.Context, userID string) (string, bool, error) {
	id, ok := m.subs[userID]
	return id, ok, nil
}

func (m *mapStore) SaveSubscription(_ context.Context, userID, customerID, subscriptionID string) error {
	m.subs[userID] = subscriptionID
	m.customers[userID] = customerID
	return nil
}

func newTestStripe(subs map[string]*stripe.Subscription) (*Stripe, *int) {
	s, _, calls := newTestStripeStore(subs)
	return s, calls
}

func newTestStripeStore(subs map[string]*stripe.Subscription) (*Stripe, *mapStore, *int) {
	calls := 0
	store := &mapStore{
		subs:      map[string]string{"u1": "sub_1", "u2": "sub_2"},
		customers: map[string]string{},
	}
	s := NewStripe("sk_test", "image_conversions", store,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.fetch = func(id string) (*stripe.Subscription, error) {
		calls++
		sub, ok := subs[id]
		if !ok {
			return nil, &stripe.Error{HTTPStatusCode: 404}
		}
		return sub, nil
	}
	return s, store, &calls
}

func TestActiveSubscription(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	s, calls := newTestStripe(map[string]*stripe.Subscription{
		"sub_1": {ID: "sub_1", Status: stripe.SubscriptionStatusActive, StartDate: start.Unix()},
	})
	ctx := context.Background()

	active, err := s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, active)

	anchor, ok, err := s.CurrentPeriodAnchor(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start, anchor)

	assert.Equal(t, 1, *calls, "second lookup served from cache")
}

func TestInactiveAndUnknownSubscriptions(t *testing.T) {
	s, _ := newTestStripe(map[string]*stripe.Subscription{
		"sub_1": {ID: "sub_1", Status: stripe.SubscriptionStatusCanceled, StartDate: 1},
	})
	ctx := context.Background()

	active, err := s.IsActive(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, active)

	// sub_2 is gone at Stripe, u3 never subscribed.
	for _, user := range []string{"u2", "u3"} {
		active, err := s.IsActive(ctx, user)
		require.NoError(t, err)
		assert.False(t, active)

		_, ok, err := s.CurrentPeriodAnchor(ctx, user)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestReportOverage(t *testing.T) {
	s, _ := newTestStripe(map[string]*stripe.Subscription{
		"sub_1": {ID: "sub_1", Status: stripe.SubscriptionStatusActive, Customer: &stripe.Customer{ID: "cus_9"}},
	})
	var sent *stripe.BillingMeterEventParams
	s.report = func(p *stripe.BillingMeterEventParams) error {
		sent = p
		return nil
	}

	w := period.Period{Start: time.Date(2025, 2, 26, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.ReportOverage(context.Background(), "u1", quota.KindImages, 3, w))

	require.NotNil(t, sent)
	assert.Equal(t, "image_conversions", *sent.EventName)
	assert.Equal(t, "cus_9", sent.Payload["stripe_customer_id"])
	assert.Equal(t, "3", sent.Payload["value"])
}

func TestReportOverageWithoutCustomer(t *testing.T) {
	s, _ := newTestStripe(nil)

	err := s.ReportOverage(context.Background(), "u3", quota.KindImages, 1, period.Period{})
	assert.ErrorIs(t, err, quota.ErrConfiguration)
}

func TestLinkSubscription(t *testing.T) {
	s, store, _ := newTestStripeStore(map[string]*stripe.Subscription{
		"sub_new": {
			ID:       "sub_new",
			Status:   stripe.SubscriptionStatusActive,
			Customer: &stripe.Customer{ID: "cus_3"},
			Metadata: map[string]string{"userID": "u3"},
		},
	})
	ctx := context.Background()

	active, err := s.IsActive(ctx, "u3")
	require.NoError(t, err)
	assert.False(t, active)

	sub, err := s.Link(ctx, "u3", "sub_new")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", sub.ID)
	assert.Equal(t, "sub_new", store.subs["u3"])
	assert.Equal(t, "cus_3", store.customers["u3"])

	// The stale free-plan answer is replaced right away.
	active, err = s.IsActive(ctx, "u3")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestLinkSubscriptionRejected(t *testing.T) {
	s, store, _ := newTestStripeStore(map[string]*stripe.Subscription{
		"sub_other": {ID: "sub_other", Customer: &stripe.Customer{ID: "cus_1"}, Metadata: map[string]string{"userID": "u1"}},
		"sub_bare":  {ID: "sub_bare"},
	})
	ctx := context.Background()

	_, err := s.Link(ctx, "u3", "sub_missing")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	_, err = s.Link(ctx, "u3", "sub_other")
	assert.ErrorIs(t, err, ErrSubscriptionMismatch)

	_, err = s.Link(ctx, "u3", "sub_bare")
	assert.ErrorIs(t, err, ErrNoCustomer)

	assert.NotContains(t, store.subs, "u3")
}
