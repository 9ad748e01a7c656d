package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/api/androidpublisher/v3"

	"qazna.org/entitlements/internal/entitlement"
)

// ErrNotConfigured is returned when a gateway is used without a client.
var ErrNotConfigured = errors.New("billing: gateway not configured")

// Gateway fetches the provider's current record for a purchase.
type Gateway interface {
	FetchSubscription(ctx context.Context, packageName, productID, token string) (entitlement.RawSubscription, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, packageName, productID, token string) (entitlement.RawSubscription, error)

func (f GatewayFunc) FetchSubscription(ctx context.Context, packageName, productID, token string) (entitlement.RawSubscription, error) {
	return f(ctx, packageName, productID, token)
}

// FromPurchase converts the androidpublisher record to the deriver input.
//
// The client library folds an absent cancelReason into 0, which would read as
// "cancelled by user". The reason is only kept when the record carries some
// cancellation evidence.
func FromPurchase(sub *androidpublisher.SubscriptionPurchase) entitlement.RawSubscription {
	if sub == nil {
		return entitlement.RawSubscription{}
	}
	raw := entitlement.RawSubscription{
		ExpiryTimeMillis:           sub.ExpiryTimeMillis,
		UserCancellationTimeMillis: sub.UserCancellationTimeMillis,
		CancelSurveyPresent:        sub.CancelSurveyResult != nil,
	}
	if sub.PaymentState != nil {
		raw.PaymentState = entitlement.Int64(*sub.PaymentState)
	}
	if sub.CancelReason != 0 || sub.CancelSurveyResult != nil || sub.UserCancellationTimeMillis != 0 {
		raw.CancelReason = entitlement.Int64(sub.CancelReason)
	}
	if raw.ExpiryTimeMillis < 0 {
		raw.ExpiryTimeMillis = 0
	}
	return raw
}

// ParseSubscriptionJSON decodes a purchases.subscriptions resource as returned
// by the Play Developer API.
func ParseSubscriptionJSON(data []byte) (entitlement.RawSubscription, error) {
	var sub androidpublisher.SubscriptionPurchase
	if err := json.Unmarshal(data, &sub); err != nil {
		return entitlement.RawSubscription{}, fmt.Errorf("decode subscription purchase: %w", err)
	}
	return FromPurchase(&sub), nil
}
