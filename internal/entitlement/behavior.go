package entitlement

import (
	"fmt"
	"strings"
)

// Behavior describes what a state grants.
type Behavior struct {
	State         State
	PremiumAccess bool
	Description   string
}

// Behaviors maps each canonical state to its access rules.
var Behaviors = map[State]Behavior{
	StateActive: {
		State:         StateActive,
		PremiumAccess: true,
		Description:   "Paid or trial period in effect.",
	},
	StateFree: {
		State:         StateFree,
		PremiumAccess: false,
		Description:   "No subscription on record.",
	},
	StateCancelled: {
		State:         StateCancelled,
		PremiumAccess: true,
		Description:   "Auto-renew off; access continues until expiry.",
	},
	StateGracePeriod: {
		State:         StateGracePeriod,
		PremiumAccess: true,
		Description:   "Payment failed; access retained while the provider retries.",
	},
	StateOnHold: {
		State:         StateOnHold,
		PremiumAccess: false,
		Description:   "Grace period lapsed without payment.",
	},
	StateExpired: {
		State:         StateExpired,
		PremiumAccess: false,
		Description:   "Subscription ended.",
	},
	StateRefunded: {
		State:         StateRefunded,
		PremiumAccess: false,
		Description:   "Purchase refunded by the provider.",
	},
	StateUnknown: {
		State:         StateUnknown,
		PremiumAccess: false,
		Description:   "Provider record did not match any known pattern.",
	},
}

// HasPremiumAccess reports whether state grants premium features.
// Unrecognised states grant nothing.
func HasPremiumAccess(state State) bool {
	return Behaviors[state].PremiumAccess
}

// ParseState validates a persisted state value.
func ParseState(raw string) (State, error) {
	s := State(strings.TrimSpace(raw))
	if _, ok := Behaviors[s]; !ok {
		return StateUnknown, fmt.Errorf("%w: state %q", ErrInvalidInput, raw)
	}
	return s, nil
}

func (s State) String() string { return string(s) }
