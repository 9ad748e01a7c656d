package entitlement

import (
	"strconv"
	"strings"
	"time"
)

// Derive maps a provider subscription record to the canonical entitlement.
// It is pure and total: every input yields a value, falling back to
// StateUnknown.
//
// Rules are evaluated in order, first match wins, and the on-hold override is
// applied afterwards. Keep the two steps separate; folding the override into
// the rule chain changes precedence.
func Derive(raw RawSubscription, productID string, now time.Time) Derived {
	nowMs := now.UnixMilli()
	expiry := raw.ExpiryTimeMillis
	if expiry < 0 {
		expiry = 0
	}

	paymentIs := func(code int64) bool {
		return raw.PaymentState != nil && *raw.PaymentState == code
	}

	var state State
	switch {
	case raw.CancelSurveyPresent && raw.CancelReason != nil && *raw.CancelReason == CancelByUser:
		state = liveOr(expiry, nowMs, StateCancelled)
	case paymentIs(PaymentPending):
		state = StateGracePeriod
	case raw.UserCancellationTimeMillis != 0:
		state = liveOr(expiry, nowMs, StateCancelled)
	case paymentIs(PaymentReceived), paymentIs(PaymentFreeTrial):
		state = liveOr(expiry, nowMs, StateActive)
	default:
		state = StateUnknown
	}

	if paymentIs(PaymentPending) && expiry < nowMs {
		state = StateOnHold
	}

	d := Derived{
		State:          state,
		ProductID:      productID,
		IsTrialPeriod:  paymentIs(PaymentFreeTrial),
		LastVerifiedAt: now,
	}
	if expiry > 0 {
		t := time.UnixMilli(expiry).UTC()
		d.ExpiryDate = &t
	}
	return d
}

// liveOr returns live while the paid period is still running, expired after.
func liveOr(expiryMs, nowMs int64, live State) State {
	if expiryMs > nowMs {
		return live
	}
	return StateExpired
}

// ParseMillis reads a provider millisecond timestamp. Missing or malformed
// values read as 0.
func ParseMillis(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
