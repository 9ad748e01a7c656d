package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/billing"
	"qazna.org/entitlements/internal/config"
	"qazna.org/entitlements/internal/entitlement"
	"qazna.org/entitlements/internal/reconcile"
)

func TestWireMemoryStore(t *testing.T) {
	var logs bytes.Buffer
	cfg := config.Defaults()
	cfg.Products = []string{"gold"}
	cfg.PackageName = "com.example.app"

	var gotPackage string
	gw := billing.GatewayFunc(func(ctx context.Context, packageName, productID, token string) (entitlement.RawSubscription, error) {
		gotPackage = packageName
		return entitlement.RawSubscription{PaymentState: entitlement.Int64(entitlement.PaymentReceived), ExpiryTimeMillis: 1}, nil
	})

	c, err := Wire(context.Background(), cfg, zerolog.New(&logs), WithGateway(gw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Store.Ping(context.Background()))
	assert.Equal(t, []string{"gold"}, c.Service.Products())
	assert.Equal(t, "com.example.app", c.Service.PackageName())

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := c.Events.Subscribe(subCtx)

	ctx := auth.ContextWithUser(context.Background(), "u1", nil)
	res, err := c.Service.Restore(ctx, reconcile.Request{ProductID: "gold", PurchaseToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StateExpired, res.State)
	assert.Equal(t, "com.example.app", gotPackage)

	assert.True(t, strings.Contains(logs.String(), `"event":"restored"`), "audit sink must log the event")
	assert.NotContains(t, logs.String(), `"tok"`)

	select {
	case ev := <-live:
		assert.Equal(t, "u1", ev.UserID)
	default:
		t.Fatal("audit event was not published to the live stream")
	}
}

func TestWireRejectsUnknownStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store = "dynamo"
	_, err := Wire(context.Background(), cfg, zerolog.Nop(), WithGateway(billing.GatewayFunc(nil)))
	assert.Error(t, err)
}
