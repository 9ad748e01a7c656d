package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"qazna.org/entitlements/internal/entitlement"
	"qazna.org/entitlements/internal/obs"
)

const defaultTimeout = 10 * time.Second

// PlayStore queries the Google Play Developer API.
type PlayStore struct {
	svc     *androidpublisher.Service
	timeout time.Duration
}

var _ Gateway = (*PlayStore)(nil)

// PlayStoreOption configures PlayStore.
type PlayStoreOption func(*PlayStore)

// WithTimeout bounds each lookup.
func WithTimeout(d time.Duration) PlayStoreOption {
	return func(p *PlayStore) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPlayStore builds a client. With an empty credentialsFile the process'
// application default credentials are used.
func NewPlayStore(ctx context.Context, credentialsFile string, opts ...PlayStoreOption) (*PlayStore, error) {
	clientOpts := []option.ClientOption{option.WithScopes(androidpublisher.AndroidpublisherScope)}
	if f := strings.TrimSpace(credentialsFile); f != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(f))
	}
	svc, err := androidpublisher.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher client: %w", err)
	}
	return NewPlayStoreWithService(svc, opts...), nil
}

// NewPlayStoreWithService wraps an existing service, e.g. one pointed at a
// test server via option.WithEndpoint.
func NewPlayStoreWithService(svc *androidpublisher.Service, opts ...PlayStoreOption) *PlayStore {
	p := &PlayStore{svc: svc, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PlayStore) FetchSubscription(ctx context.Context, packageName, productID, token string) (entitlement.RawSubscription, error) {
	if p == nil || p.svc == nil {
		return entitlement.RawSubscription{}, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	sub, err := p.svc.Purchases.Subscriptions.Get(packageName, productID, token).Context(ctx).Do()
	obs.ObserveBillingFetch(time.Since(start), err)
	if err != nil {
		return entitlement.RawSubscription{}, describe(productID, err)
	}
	return FromPurchase(sub), nil
}

// ErrPurchaseNotFound marks a token the provider does not know.
var ErrPurchaseNotFound = errors.New("billing: purchase not found")

// describe wraps provider errors without echoing the request URL, which
// embeds the purchase token.
func describe(productID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone {
			return fmt.Errorf("play subscriptions.get %s: status %d: %w", productID, gerr.Code, ErrPurchaseNotFound)
		}
		return fmt.Errorf("play subscriptions.get %s: status %d: %s", productID, gerr.Code, gerr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("play subscriptions.get %s: %w", productID, context.DeadlineExceeded)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("play subscriptions.get %s: %s: %w", productID, uerr.Op, uerr.Err)
	}
	return fmt.Errorf("play subscriptions.get %s: transport error", productID)
}
