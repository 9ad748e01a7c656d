package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/billing"
	"qazna.org/entitlements/internal/entitlement"
	"qazna.org/entitlements/internal/obs"
)

// DefaultPackageName is the application id used when no package is supplied.
const DefaultPackageName = "com.mystictarot.app"

// DefaultProducts is the allow-list used when none is configured.
var DefaultProducts = []string{"premium_monthly_v1", "premium_yearly_v1"}

const (
	flowVerify       = "verify"
	flowRestore      = "restore"
	flowNotification = "notification"

	msgUnauthenticated = "user must be authenticated to verify purchases"
	msgMissingFields   = "productId and purchaseToken are required"
	msgUnknownProduct  = "invalid product ID"
	msgVerifyFailed    = "Failed to verify purchase. Please try again."
	msgRestoreFailed   = "Failed to restore purchases. Please try again."

	expiryLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Request is the client input for Verify and Restore.
type Request struct {
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	PackageName   string `json:"packageName,omitempty"`
}

// Result is what a caller learns about its entitlement. It never carries the
// purchase token or raw provider fields.
type Result struct {
	Success          bool              `json:"success"`
	State            entitlement.State `json:"state"`
	HasPremiumAccess bool              `json:"hasPremiumAccess"`
	ExpiryDate       string            `json:"expiryDate,omitempty"`
}

// Service runs the Verify, Restore and notification flows.
type Service struct {
	gateway     billing.Gateway
	store       entitlement.Store
	audit       audit.Log
	products    map[string]struct{}
	packageName string
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithProducts replaces the product allow-list. Empty input keeps the default.
func WithProducts(products []string) Option {
	return func(s *Service) {
		set := make(map[string]struct{}, len(products))
		for _, p := range products {
			if p = strings.TrimSpace(p); p != "" {
				set[p] = struct{}{}
			}
		}
		if len(set) > 0 {
			s.products = set
		}
	}
}

// WithPackageName sets the default application package.
func WithPackageName(name string) Option {
	return func(s *Service) {
		if name = strings.TrimSpace(name); name != "" {
			s.packageName = name
		}
	}
}

// New wires a Service. All three collaborators are required.
func New(gateway billing.Gateway, store entitlement.Store, log audit.Log, opts ...Option) *Service {
	s := &Service{
		gateway:     gateway,
		store:       store,
		audit:       log,
		packageName: DefaultPackageName,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      obs.Logger().With().Str("component", "reconcile").Logger(),
	}
	WithProducts(DefaultProducts)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Products returns the allow-listed product ids.
func (s *Service) Products() []string {
	out := make([]string, 0, len(s.products))
	for p := range s.products {
		out = append(out, p)
	}
	return out
}

// PackageName returns the default application package.
func (s *Service) PackageName() string { return s.packageName }

// Verify reconciles a purchase reported by the authenticated caller.
func (s *Service) Verify(ctx context.Context, req Request) (Result, error) {
	return s.establish(ctx, flowVerify, req, audit.EventVerified, msgVerifyFailed)
}

// Restore re-runs verification for a purchase the caller already owns. The
// package is always the configured default.
func (s *Service) Restore(ctx context.Context, req Request) (Result, error) {
	req.PackageName = ""
	return s.establish(ctx, flowRestore, req, audit.EventRestored, msgRestoreFailed)
}

func (s *Service) establish(ctx context.Context, flow string, req Request, event audit.EventType, failMsg string) (res Result, err error) {
	defer func() { s.observe(flow, err) }()

	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return Result{}, unauthenticated(msgUnauthenticated)
	}
	productID := strings.TrimSpace(req.ProductID)
	token := strings.TrimSpace(req.PurchaseToken)
	if productID == "" || token == "" {
		return Result{}, invalidArgument(msgMissingFields)
	}
	if _, ok := s.products[productID]; !ok {
		return Result{}, invalidArgument(msgUnknownProduct)
	}
	pkg := strings.TrimSpace(req.PackageName)
	if pkg == "" {
		pkg = s.packageName
	}

	log := s.logger.With().
		Str("flow", flow).
		Str("user_id", userID).
		Str("product_id", productID).
		Str("token", obs.RedactToken(token)).
		Str("request_id", audit.RequestIDFromContext(ctx)).
		Logger()

	raw, err := s.gateway.FetchSubscription(ctx, pkg, productID, token)
	if err != nil {
		log.Error().Err(err).Str("package", pkg).Msg("billing lookup failed")
		return Result{}, internal(failMsg, err)
	}

	derived := entitlement.Derive(raw, productID, s.now())
	if err := s.store.UpsertMerge(ctx, userID, entitlement.Update{Derived: derived, PurchaseToken: token}); err != nil {
		log.Error().Err(err).Msg("entitlement write failed")
		return Result{}, internal(failMsg, err)
	}
	if err := s.record(ctx, userID, event, map[string]any{
		"productId": productID,
		"state":     string(derived.State),
	}); err != nil {
		log.Error().Err(err).Msg("audit append failed")
		return Result{}, internal(failMsg, err)
	}
	obs.ObserveDerivedState(string(derived.State))
	log.Info().Str("state", string(derived.State)).Msg("purchase reconciled")

	return resultOf(derived), nil
}

// HandleNotification applies a provider push. A nil return means the
// notification was either applied or deliberately ignored; any error should
// lead to redelivery, except ones wrapping ErrMalformedNotification.
func (s *Service) HandleNotification(ctx context.Context, payload []byte) (err error) {
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = string(KindOf(err))
			if errors.Is(err, ErrMalformedNotification) {
				outcome = "malformed"
			}
		}
		obs.ObserveReconcile(flowNotification, outcome)
	}()

	n, err := DecodeNotification(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting notification")
		return err
	}
	log := s.logger.With().
		Str("flow", flowNotification).
		Str("category", n.Category()).
		Str("package", n.PackageName).
		Logger()

	sn := n.SubscriptionNotification
	if sn == nil {
		log.Info().Msg("not a subscription notification, skipping")
		outcome = "skipped"
		return nil
	}
	log = log.With().
		Str("notification_type", sn.NotificationType.String()).
		Str("subscription_id", sn.SubscriptionID).
		Str("token", obs.RedactToken(sn.PurchaseToken)).
		Logger()
	log.Info().Msg("notification received")

	userID, err := s.store.FindUserByToken(ctx, sn.PurchaseToken)
	if errors.Is(err, entitlement.ErrNotFound) {
		log.Warn().Msg("no user for purchase token")
		outcome = "unmatched"
		return nil
	}
	if err != nil {
		return fmt.Errorf("find user by token: %w", err)
	}
	log = log.With().Str("user_id", userID).Logger()

	raw, err := s.gateway.FetchSubscription(ctx, s.packageName, sn.SubscriptionID, sn.PurchaseToken)
	if err != nil {
		log.Error().Err(err).Msg("billing lookup failed")
		return fmt.Errorf("fetch subscription: %w", err)
	}
	derived := entitlement.Derive(raw, sn.SubscriptionID, s.now())
	if err := s.store.Update(ctx, userID, entitlement.Update{Derived: derived}); err != nil {
		log.Error().Err(err).Msg("entitlement update failed")
		return fmt.Errorf("update entitlement: %w", err)
	}
	if err := s.record(ctx, userID, audit.EventRTDNProcessed, map[string]any{
		"notificationType": int(sn.NotificationType),
		"subscriptionId":   sn.SubscriptionID,
		"newState":         string(derived.State),
	}); err != nil {
		log.Error().Err(err).Msg("audit append failed")
		return fmt.Errorf("append audit: %w", err)
	}
	obs.ObserveDerivedState(string(derived.State))
	log.Info().Str("state", string(derived.State)).Msg("notification applied")
	return nil
}

func (s *Service) record(ctx context.Context, userID string, typ audit.EventType, data map[string]any) error {
	ev, err := audit.NewEvent(ctx, userID, typ, data, s.now())
	if err != nil {
		return err
	}
	return s.audit.Append(ctx, ev)
}

func (s *Service) observe(flow string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	obs.ObserveReconcile(flow, outcome)
}

func resultOf(d entitlement.Derived) Result {
	res := Result{
		Success:          true,
		State:            d.State,
		HasPremiumAccess: entitlement.HasPremiumAccess(d.State),
	}
	if d.ExpiryDate != nil {
		res.ExpiryDate = d.ExpiryDate.UTC().Format(expiryLayout)
	}
	return res
}
