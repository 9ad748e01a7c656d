package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/entitlement"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu      sync.Mutex
	raw     entitlement.RawSubscription
	err     error
	calls   int
	pkg     string
	product string
	token   string
}

func (g *fakeGateway) FetchSubscription(ctx context.Context, packageName, productID, token string) (entitlement.RawSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.pkg, g.product, g.token = packageName, productID, token
	return g.raw, g.err
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type brokenStore struct {
	*entitlement.InMemory
	upsertErr error
	updateErr error
	findErr   error
}

func (s *brokenStore) UpsertMerge(ctx context.Context, userID string, u entitlement.Update) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.InMemory.UpsertMerge(ctx, userID, u)
}

func (s *brokenStore) Update(ctx context.Context, userID string, u entitlement.Update) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.InMemory.Update(ctx, userID, u)
}

func (s *brokenStore) FindUserByToken(ctx context.Context, token string) (string, error) {
	if s.findErr != nil {
		return "", s.findErr
	}
	return s.InMemory.FindUserByToken(ctx, token)
}

type failingAudit struct{ err error }

func (a failingAudit) Append(context.Context, audit.Event) error { return a.err }

type fixture struct {
	svc     *Service
	gateway *fakeGateway
	store   *brokenStore
	audit   *audit.Memory
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		gateway: &fakeGateway{raw: activeRecord()},
		store:   &brokenStore{InMemory: entitlement.NewInMemory()},
		audit:   audit.NewMemory(),
		logs:    &bytes.Buffer{},
	}
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(zerolog.New(f.logs)),
	}
	f.svc = New(f.gateway, f.store, f.audit, append(base, opts...)...)
	return f
}

func activeRecord() entitlement.RawSubscription {
	return entitlement.RawSubscription{
		PaymentState:     entitlement.Int64(entitlement.PaymentReceived),
		ExpiryTimeMillis: testNow.Add(30 * 24 * time.Hour).UnixMilli(),
	}
}

func userCtx(uid string) context.Context {
	return auth.ContextWithUser(context.Background(), uid, nil)
}

func notification(t *testing.T, typ NotificationType, subscriptionID, token string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"version":         "1.0",
		"packageName":     DefaultPackageName,
		"eventTimeMillis": "1740830400000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": int(typ),
			"purchaseToken":    token,
			"subscriptionId":   subscriptionID,
		},
	})
	require.NoError(t, err)
	return payload
}

func TestVerifyRequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(context.Background(), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok-1"})
	require.Error(t, err)
	assert.Equal(t, KindUnauthenticated, KindOf(err))
	assert.Zero(t, f.gateway.Calls())
	assert.Empty(t, f.audit.Events())

	_, err = f.store.FindUserByToken(context.Background(), "tok-1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestVerifyValidatesInputBeforeBillingLookup(t *testing.T) {
	cases := map[string]Request{
		"empty product":   {PurchaseToken: "tok"},
		"empty token":     {ProductID: "premium_monthly_v1"},
		"blank token":     {ProductID: "premium_monthly_v1", PurchaseToken: "   "},
		"unknown product": {ProductID: "premium_lifetime", PurchaseToken: "tok"},
		"injected id":     {ProductID: "premium_monthly_v1/../x", PurchaseToken: "tok"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Verify(userCtx("u1"), req)
			require.Error(t, err)
			assert.Equal(t, KindInvalidArgument, KindOf(err))
			assert.Zero(t, f.gateway.Calls())
			assert.Empty(t, f.audit.Events())
		})
	}
}

func TestVerifyPersistsDerivedEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithRequestID(userCtx("u1"), "req-42")

	res, err := f.svc.Verify(ctx, Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, entitlement.StateActive, res.State)
	assert.True(t, res.HasPremiumAccess)
	assert.Equal(t, "2025-03-31T12:00:00.000Z", res.ExpiryDate)

	assert.Equal(t, DefaultPackageName, f.gateway.pkg)
	assert.Equal(t, "premium_monthly_v1", f.gateway.product)
	assert.Equal(t, "tok-1", f.gateway.token)

	doc, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateActive, doc.State)
	assert.Equal(t, "premium_monthly_v1", doc.ProductID)
	assert.Equal(t, testNow, doc.LastVerifiedAt)
	assert.Nil(t, doc.GraceExpiryDate)

	uid, err := f.store.FindUserByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventVerified, events[0].Type)
	assert.Equal(t, "u1", events[0].UserID)
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, map[string]any{"productId": "premium_monthly_v1", "state": "active"}, events[0].Data)

	encoded, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "tok-1")
	assert.NotContains(t, f.logs.String(), "tok-1")
}

func TestVerifyUsesClientPackageName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_yearly_v1", PurchaseToken: "tok", PackageName: "com.example.other"})
	require.NoError(t, err)
	assert.Equal(t, "com.example.other", f.gateway.pkg)
}

func TestVerifyBillingFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("upstream said no for token secret-tok")
	f.gateway.err = cause

	_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "secret-tok"})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, msgVerifyFailed, err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, f.gateway.Calls())
	assert.Empty(t, f.audit.Events())

	_, err = f.store.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestVerifyStoreAndAuditFailuresAreInternal(t *testing.T) {
	f := newFixture(t)
	f.store.upsertErr = errors.New("disk full")
	_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok"})
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Empty(t, f.audit.Events())

	g := &fakeGateway{raw: activeRecord()}
	svc := New(g, entitlement.NewInMemory(), failingAudit{err: errors.New("audit down")},
		WithClock(func() time.Time { return testNow }), WithLogger(zerolog.Nop()))
	_, err = svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok"})
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestRestoreUsesConfiguredPackage(t *testing.T) {
	f := newFixture(t, WithPackageName("com.example.app"))

	res, err := f.svc.Restore(userCtx("u1"), Request{ProductID: "premium_yearly_v1", PurchaseToken: "tok", PackageName: "com.evil"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateActive, res.State)
	assert.Equal(t, "com.example.app", f.gateway.pkg)

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventRestored, events[0].Type)

	_, err = f.svc.Restore(context.Background(), Request{ProductID: "premium_yearly_v1", PurchaseToken: "tok"})
	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestWithProductsReplacesAllowList(t *testing.T) {
	f := newFixture(t, WithProducts([]string{" gold ", ""}))
	assert.ElementsMatch(t, []string{"gold"}, f.svc.Products())

	_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok"})
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	_, err = f.svc.Verify(userCtx("u1"), Request{ProductID: "gold", PurchaseToken: "tok"})
	assert.NoError(t, err)
}

func TestHandleNotificationUpdatesMatchedUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok-1"})
	require.NoError(t, err)

	f.gateway.raw = entitlement.RawSubscription{
		PaymentState:     entitlement.Int64(entitlement.PaymentPending),
		ExpiryTimeMillis: testNow.Add(-time.Hour).UnixMilli(),
	}
	require.NoError(t, f.svc.HandleNotification(context.Background(), notification(t, NotificationOnHold, "premium_monthly_v1", "tok-1")))

	assert.Equal(t, DefaultPackageName, f.gateway.pkg)
	doc, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateOnHold, doc.State)
	assert.Equal(t, "tok-1", doc.PurchaseToken)

	events := f.audit.Events()
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, audit.EventRTDNProcessed, last.Type)
	assert.Equal(t, "u1", last.UserID)
	assert.Equal(t, map[string]any{
		"notificationType": 5,
		"subscriptionId":   "premium_monthly_v1",
		"newState":         "on_hold",
	}, last.Data)
	assert.NotContains(t, f.logs.String(), "tok-1")
}

func TestHandleNotificationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok-1"})
	require.NoError(t, err)

	payload := notification(t, NotificationRenewed, "premium_monthly_v1", "tok-1")
	require.NoError(t, f.svc.HandleNotification(context.Background(), payload))
	first, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleNotification(context.Background(), payload))
	second, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, first.Derived, second.Derived)
	assert.Len(t, f.audit.Events(), 3)
}

func TestHandleNotificationNoOps(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.HandleNotification(context.Background(),
		[]byte(`{"version":"1.0","packageName":"com.mystictarot.app","testNotification":{"version":"1.0"}}`)))
	require.NoError(t, f.svc.HandleNotification(context.Background(),
		notification(t, NotificationPurchased, "premium_monthly_v1", "unknown-token")))

	assert.Zero(t, f.gateway.Calls())
	assert.Empty(t, f.audit.Events())
}

func TestHandleNotificationMalformed(t *testing.T) {
	f := newFixture(t)
	for _, payload := range [][]byte{
		nil,
		[]byte(`{not json`),
		[]byte(`{"subscriptionNotification":{"notificationType":2,"subscriptionId":"premium_monthly_v1"}}`),
	} {
		err := f.svc.HandleNotification(context.Background(), payload)
		assert.ErrorIs(t, err, ErrMalformedNotification)
	}
	assert.Zero(t, f.gateway.Calls())
}

func TestHandleNotificationPropagatesFailures(t *testing.T) {
	seed := func(t *testing.T) *fixture {
		f := newFixture(t)
		_, err := f.svc.Verify(userCtx("u1"), Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok-1"})
		require.NoError(t, err)
		return f
	}
	payload := func(t *testing.T) []byte {
		return notification(t, NotificationCanceled, "premium_monthly_v1", "tok-1")
	}

	t.Run("lookup", func(t *testing.T) {
		f := seed(t)
		f.store.findErr = errors.New("index unavailable")
		assert.Error(t, f.svc.HandleNotification(context.Background(), payload(t)))
	})
	t.Run("billing", func(t *testing.T) {
		f := seed(t)
		f.gateway.err = errors.New("503")
		err := f.svc.HandleNotification(context.Background(), payload(t))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMalformedNotification)
		doc, _ := f.store.Get(context.Background(), "u1")
		assert.Equal(t, entitlement.StateActive, doc.State)
	})
	t.Run("update", func(t *testing.T) {
		f := seed(t)
		f.store.updateErr = errors.New("conflict")
		assert.Error(t, f.svc.HandleNotification(context.Background(), payload(t)))
		assert.Len(t, f.audit.Events(), 1)
	})
	t.Run("audit", func(t *testing.T) {
		store := entitlement.NewInMemory()
		require.NoError(t, store.UpsertMerge(context.Background(), "u1", entitlement.Update{PurchaseToken: "tok-1"}))
		svc := New(&fakeGateway{raw: activeRecord()}, store, failingAudit{err: errors.New("audit down")}, WithLogger(zerolog.Nop()))
		assert.Error(t, svc.HandleNotification(context.Background(), payload(t)))
	})
}

func TestDecodeNotificationCategories(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"voidedPurchaseNotification":{"purchaseToken":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "voided_purchase", n.Category())
	assert.Nil(t, n.SubscriptionNotification)

	n, err = DecodeNotification(notification(t, NotificationRevoked, " premium_yearly_v1 ", "tok"))
	require.NoError(t, err)
	assert.Equal(t, "subscription", n.Category())
	assert.Equal(t, "premium_yearly_v1", n.SubscriptionNotification.SubscriptionID)
	assert.Equal(t, "SUBSCRIPTION_REVOKED", n.SubscriptionNotification.NotificationType.String())
	assert.Equal(t, "SUBSCRIPTION_NOTIFICATION_14", NotificationType(14).String())
}
