package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// NotificationType is the Play subscription notification code.
type NotificationType int

const (
	NotificationRecovered               NotificationType = 1
	NotificationRenewed                 NotificationType = 2
	NotificationCanceled                NotificationType = 3
	NotificationPurchased               NotificationType = 4
	NotificationOnHold                  NotificationType = 5
	NotificationInGracePeriod           NotificationType = 6
	NotificationRestarted               NotificationType = 7
	NotificationPriceChangeConfirmed    NotificationType = 8
	NotificationDeferred                NotificationType = 9
	NotificationPaused                  NotificationType = 10
	NotificationPauseScheduleChanged    NotificationType = 11
	NotificationRevoked                 NotificationType = 12
	NotificationExpired                 NotificationType = 13
	NotificationItemsChanged            NotificationType = 17
	NotificationCancellationScheduled   NotificationType = 18
	NotificationPriceChangeUpdated      NotificationType = 19
	NotificationPendingPurchaseCanceled NotificationType = 20
)

var notificationNames = map[NotificationType]string{
	NotificationRecovered:               "SUBSCRIPTION_RECOVERED",
	NotificationRenewed:                 "SUBSCRIPTION_RENEWED",
	NotificationCanceled:                "SUBSCRIPTION_CANCELED",
	NotificationPurchased:               "SUBSCRIPTION_PURCHASED",
	NotificationOnHold:                  "SUBSCRIPTION_ON_HOLD",
	NotificationInGracePeriod:           "SUBSCRIPTION_IN_GRACE_PERIOD",
	NotificationRestarted:               "SUBSCRIPTION_RESTARTED",
	NotificationPriceChangeConfirmed:    "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED",
	NotificationDeferred:                "SUBSCRIPTION_DEFERRED",
	NotificationPaused:                  "SUBSCRIPTION_PAUSED",
	NotificationPauseScheduleChanged:    "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED",
	NotificationRevoked:                 "SUBSCRIPTION_REVOKED",
	NotificationExpired:                 "SUBSCRIPTION_EXPIRED",
	NotificationItemsChanged:            "SUBSCRIPTION_ITEMS_CHANGED",
	NotificationCancellationScheduled:   "SUBSCRIPTION_CANCELLATION_SCHEDULED",
	NotificationPriceChangeUpdated:      "SUBSCRIPTION_PRICE_CHANGE_UPDATED",
	NotificationPendingPurchaseCanceled: "SUBSCRIPTION_PENDING_PURCHASE_CANCELED",
}

func (t NotificationType) String() string {
	if name, ok := notificationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SUBSCRIPTION_NOTIFICATION_%d", int(t))
}

// SubscriptionNotification is the subscription part of a developer notification.
type SubscriptionNotification struct {
	Version          string           `json:"version"`
	NotificationType NotificationType `json:"notificationType"`
	PurchaseToken    string           `json:"purchaseToken"`
	SubscriptionID   string           `json:"subscriptionId"`
}

// DeveloperNotification is the decoded push payload. Only the subscription
// category is acted on; the other categories are kept raw for logging.
type DeveloperNotification struct {
	Version                    string                    `json:"version"`
	PackageName                string                    `json:"packageName"`
	EventTimeMillis            string                    `json:"eventTimeMillis"`
	SubscriptionNotification   *SubscriptionNotification `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification json.RawMessage           `json:"oneTimeProductNotification,omitempty"`
	VoidedPurchaseNotification json.RawMessage           `json:"voidedPurchaseNotification,omitempty"`
	TestNotification           json.RawMessage           `json:"testNotification,omitempty"`
}

// Category names the notification kind for logs.
func (n DeveloperNotification) Category() string {
	switch {
	case n.SubscriptionNotification != nil:
		return "subscription"
	case len(n.OneTimeProductNotification) > 0:
		return "one_time_product"
	case len(n.VoidedPurchaseNotification) > 0:
		return "voided_purchase"
	case len(n.TestNotification) > 0:
		return "test"
	default:
		return "unknown"
	}
}

// DecodeNotification parses a developer notification JSON document.
func DecodeNotification(payload []byte) (DeveloperNotification, error) {
	var n DeveloperNotification
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return n, malformed("empty payload")
	}
	if err := json.Unmarshal(payload, &n); err != nil {
		return n, malformed("decode: %v", err)
	}
	if sn := n.SubscriptionNotification; sn != nil {
		sn.PurchaseToken = strings.TrimSpace(sn.PurchaseToken)
		sn.SubscriptionID = strings.TrimSpace(sn.SubscriptionID)
		if sn.PurchaseToken == "" || sn.SubscriptionID == "" {
			return n, malformed("subscription notification without token or subscription id")
		}
	}
	return n, nil
}
