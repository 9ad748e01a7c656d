package entitlement

import (
	"reflect"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ms(d time.Duration) int64 { return fixedNow.Add(d).UnixMilli() }

func TestDeriveRules(t *testing.T) {
	cases := []struct {
		name  string
		raw   RawSubscription
		state State
		trial bool
	}{
		{
			name:  "survey_user_cancel_live",
			raw:   RawSubscription{CancelSurveyPresent: true, CancelReason: Int64(CancelByUser), PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(time.Second)},
			state: StateCancelled,
		},
		{
			name:  "survey_user_cancel_lapsed",
			raw:   RawSubscription{CancelSurveyPresent: true, CancelReason: Int64(CancelByUser), ExpiryTimeMillis: ms(-time.Second)},
			state: StateExpired,
		},
		{
			name:  "survey_without_user_reason_falls_through",
			raw:   RawSubscription{CancelSurveyPresent: true, CancelReason: Int64(CancelBillingError), PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(time.Second)},
			state: StateActive,
		},
		{
			name:  "survey_without_reason_falls_through",
			raw:   RawSubscription{CancelSurveyPresent: true, PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(time.Second)},
			state: StateActive,
		},
		{
			name:  "pending_live_is_grace",
			raw:   RawSubscription{PaymentState: Int64(PaymentPending), ExpiryTimeMillis: ms(time.Second)},
			state: StateGracePeriod,
		},
		{
			name:  "pending_lapsed_is_on_hold",
			raw:   RawSubscription{PaymentState: Int64(PaymentPending), ExpiryTimeMillis: ms(-time.Second)},
			state: StateOnHold,
		},
		{
			name:  "pending_expiry_equal_now_stays_grace",
			raw:   RawSubscription{PaymentState: Int64(PaymentPending), ExpiryTimeMillis: fixedNow.UnixMilli()},
			state: StateGracePeriod,
		},
		{
			name:  "pending_missing_expiry_is_on_hold",
			raw:   RawSubscription{PaymentState: Int64(PaymentPending)},
			state: StateOnHold,
		},
		{
			name:  "survey_cancel_then_override_to_on_hold",
			raw:   RawSubscription{CancelSurveyPresent: true, CancelReason: Int64(CancelByUser), PaymentState: Int64(PaymentPending), ExpiryTimeMillis: ms(-time.Second)},
			state: StateOnHold,
		},
		{
			name:  "user_cancellation_live",
			raw:   RawSubscription{UserCancellationTimeMillis: ms(-time.Hour), PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(time.Hour)},
			state: StateCancelled,
		},
		{
			name:  "user_cancellation_lapsed",
			raw:   RawSubscription{UserCancellationTimeMillis: ms(-time.Hour), PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(-time.Minute)},
			state: StateExpired,
		},
		{
			name:  "received_live",
			raw:   RawSubscription{PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(time.Second)},
			state: StateActive,
		},
		{
			name:  "received_lapsed",
			raw:   RawSubscription{PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: ms(-time.Second)},
			state: StateExpired,
		},
		{
			name:  "free_trial_live",
			raw:   RawSubscription{PaymentState: Int64(PaymentFreeTrial), ExpiryTimeMillis: ms(time.Second)},
			state: StateActive,
			trial: true,
		},
		{
			name:  "deferred_is_unknown",
			raw:   RawSubscription{PaymentState: Int64(PaymentDeferred), ExpiryTimeMillis: ms(time.Second)},
			state: StateUnknown,
		},
		{
			name:  "unmapped_payment_state",
			raw:   RawSubscription{PaymentState: Int64(99)},
			state: StateUnknown,
		},
		{
			name:  "empty_record",
			raw:   RawSubscription{},
			state: StateUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Derive(tc.raw, "premium_monthly_v1", fixedNow)
			if got.State != tc.state {
				t.Fatalf("state=%s, want %s", got.State, tc.state)
			}
			if got.IsTrialPeriod != tc.trial {
				t.Fatalf("isTrialPeriod=%v, want %v", got.IsTrialPeriod, tc.trial)
			}
			if got.ProductID != "premium_monthly_v1" {
				t.Fatalf("unexpected product: %s", got.ProductID)
			}
			if got.GraceExpiryDate != nil {
				t.Fatalf("grace expiry must stay unset, got %v", got.GraceExpiryDate)
			}
			if !got.LastVerifiedAt.Equal(fixedNow) {
				t.Fatalf("lastVerifiedAt=%v, want %v", got.LastVerifiedAt, fixedNow)
			}
		})
	}
}

func TestDeriveExpiryDate(t *testing.T) {
	got := Derive(RawSubscription{PaymentState: Int64(PaymentReceived)}, "p", fixedNow)
	if got.ExpiryDate != nil {
		t.Fatalf("expected no expiry date for zero expiry, got %v", got.ExpiryDate)
	}

	exp := ms(72 * time.Hour)
	got = Derive(RawSubscription{PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: exp}, "p", fixedNow)
	if got.ExpiryDate == nil || got.ExpiryDate.UnixMilli() != exp {
		t.Fatalf("unexpected expiry date: %v", got.ExpiryDate)
	}
	if got.ExpiryDate.Location() != time.UTC {
		t.Fatalf("expiry should be UTC, got %v", got.ExpiryDate.Location())
	}

	got = Derive(RawSubscription{PaymentState: Int64(PaymentReceived), ExpiryTimeMillis: -5}, "p", fixedNow)
	if got.ExpiryDate != nil || got.State != StateExpired {
		t.Fatalf("negative expiry must read as 0: %+v", got)
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	payments := []*int64{nil, Int64(0), Int64(1), Int64(2), Int64(3), Int64(99)}
	reasons := []*int64{nil, Int64(0), Int64(1), Int64(2), Int64(3)}
	expiries := []int64{0, ms(-time.Hour), ms(time.Hour)}
	cancels := []int64{0, ms(-time.Minute)}

	for _, p := range payments {
		for _, r := range reasons {
			for _, e := range expiries {
				for _, c := range cancels {
					for _, survey := range []bool{false, true} {
						raw := RawSubscription{PaymentState: p, CancelReason: r, ExpiryTimeMillis: e, UserCancellationTimeMillis: c, CancelSurveyPresent: survey}
						a := Derive(raw, "p", fixedNow)
						b := Derive(raw, "p", fixedNow)
						if !reflect.DeepEqual(a, b) {
							t.Fatalf("non-deterministic derive for %+v: %+v vs %+v", raw, a, b)
						}
						if _, ok := Behaviors[a.State]; !ok {
							t.Fatalf("derived state %q is not canonical", a.State)
						}
					}
				}
			}
		}
	}
}

func TestParseMillis(t *testing.T) {
	cases := map[string]int64{
		"":              0,
		"abc":           0,
		"-10":           0,
		"1700000000000": 1700000000000,
		" 42 ":          42,
	}
	for in, want := range cases {
		if got := ParseMillis(in); got != want {
			t.Fatalf("ParseMillis(%q)=%d, want %d", in, got, want)
		}
	}
}
