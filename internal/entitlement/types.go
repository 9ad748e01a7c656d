package entitlement

import (
	"errors"
	"time"
)

// State is the canonical entitlement classification for a user+product pair.
type State string

const (
	StateActive      State = "active"
	StateFree        State = "free"
	StateCancelled   State = "cancelled"
	StateGracePeriod State = "grace_period"
	StateOnHold      State = "on_hold"
	StateExpired     State = "expired"
	StateRefunded    State = "refunded"
	StateUnknown     State = "unknown"
)

// AllStates lists every canonical state.
var AllStates = []State{
	StateActive, StateFree, StateCancelled, StateGracePeriod,
	StateOnHold, StateExpired, StateRefunded, StateUnknown,
}

// Play payment state codes.
const (
	PaymentPending   int64 = 0
	PaymentReceived  int64 = 1
	PaymentFreeTrial int64 = 2
	PaymentDeferred  int64 = 3
)

// Play cancel reason codes.
const (
	CancelByUser       int64 = 0
	CancelBillingError int64 = 1
	CancelReplaced     int64 = 2
	CancelByDeveloper  int64 = 3
)

// RawSubscription is the subset of the provider's subscription record the
// deriver inspects. Nil pointers mean the provider omitted the field, which
// is not the same as a zero code.
type RawSubscription struct {
	PaymentState               *int64
	CancelReason               *int64
	ExpiryTimeMillis           int64
	UserCancellationTimeMillis int64
	CancelSurveyPresent        bool
}

// Derived is the full entitlement computed by one reconciliation.
type Derived struct {
	State           State      `json:"state"`
	ProductID       string     `json:"productId"`
	ExpiryDate      *time.Time `json:"expiryDate,omitempty"`
	GraceExpiryDate *time.Time `json:"graceExpiryDate,omitempty"`
	IsTrialPeriod   bool       `json:"isTrialPeriod"`
	LastVerifiedAt  time.Time  `json:"lastVerifiedAt"`
}

// Update is what a store persists for one reconciliation.
type Update struct {
	Derived
	// PurchaseToken is recorded by UpsertMerge for later notification lookup.
	// Update leaves the stored token untouched.
	PurchaseToken string
}

// Document is the persisted per-user entitlement record.
type Document struct {
	UserID string `json:"userId"`
	Derived
	PurchaseToken string    `json:"-"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

var (
	ErrNotFound     = errors.New("entitlement: not found")
	ErrInvalidInput = errors.New("entitlement: invalid input")
)

// Int64 returns a pointer to v; handy for building RawSubscription values.
func Int64(v int64) *int64 { return &v }
