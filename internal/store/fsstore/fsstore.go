// Package fsstore keeps entitlements in Cloud Firestore using the user
// document layout the mobile client already reads.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/entitlement"
)

const (
	usersCollection = "users"
	auditCollection = "audit_logs"

	fieldStatus          = "subscriptionStatus"
	fieldProductID       = "subscriptionProductId"
	fieldExpiryDate      = "subscriptionExpiryDate"
	fieldGraceExpiryDate = "subscriptionGraceExpiryDate"
	fieldIsTrialPeriod   = "subscriptionIsTrialPeriod"
	fieldLastVerifiedAt  = "subscriptionLastVerifiedAt"
	fieldPurchaseToken   = "_purchaseToken"
	fieldUpdatedAt       = "updatedAt"
)

// Store implements entitlement.Store over the users collection.
type Store struct {
	client *firestore.Client
}

var _ entitlement.Store = (*Store)(nil)

// Open connects to projectID. Credentials come from opts or the environment.
func Open(ctx context.Context, projectID string, opts ...option.ClientOption) (*Store, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func NewWithClient(client *firestore.Client) *Store { return &Store{client: client} }

func (s *Store) Client() *firestore.Client { return s.client }

func (s *Store) Close() error { return s.client.Close() }

// Ping reads a sentinel document; a missing document still proves the
// backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(usersCollection).Doc("_healthcheck").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (s *Store) UpsertMerge(ctx context.Context, userID string, u entitlement.Update) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return entitlement.ErrInvalidInput
	}
	fields := documentFields(u.Derived)
	if u.PurchaseToken != "" {
		fields[fieldPurchaseToken] = u.PurchaseToken
	}
	if _, err := s.client.Collection(usersCollection).Doc(userID).Set(ctx, fields, firestore.MergeAll); err != nil {
		return fmt.Errorf("set user entitlement: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, userID string, u entitlement.Update) error {
	if strings.TrimSpace(userID) == "" {
		return entitlement.ErrNotFound
	}
	_, err := s.client.Collection(usersCollection).Doc(userID).Update(ctx, updatesFor(documentFields(u.Derived)))
	if status.Code(err) == codes.NotFound {
		return entitlement.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update user entitlement: %w", err)
	}
	return nil
}

func (s *Store) FindUserByToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", entitlement.ErrNotFound
	}
	iter := s.client.Collection(usersCollection).
		Where(fieldPurchaseToken, "==", token).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", entitlement.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query purchase token: %w", err)
	}
	return snap.Ref.ID, nil
}

// documentFields maps the derived set onto the user document. Verification
// and update times are assigned by the server.
func documentFields(d entitlement.Derived) map[string]any {
	return map[string]any{
		fieldStatus:          string(d.State),
		fieldProductID:       d.ProductID,
		fieldExpiryDate:      timeOrNil(d.ExpiryDate),
		fieldGraceExpiryDate: timeOrNil(d.GraceExpiryDate),
		fieldIsTrialPeriod:   d.IsTrialPeriod,
		fieldLastVerifiedAt:  firestore.ServerTimestamp,
		fieldUpdatedAt:       firestore.ServerTimestamp,
	}
}

func updatesFor(fields map[string]any) []firestore.Update {
	out := make([]firestore.Update, 0, len(fields))
	for path, v := range fields {
		out = append(out, firestore.Update{Path: path, Value: v})
	}
	return out
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// AuditLog appends to the audit_logs collection.
type AuditLog struct {
	client *firestore.Client
}

var _ audit.Log = (*AuditLog)(nil)

func NewAuditLog(client *firestore.Client) *AuditLog { return &AuditLog{client: client} }

func (l *AuditLog) Append(ctx context.Context, ev audit.Event) error {
	if _, _, err := l.client.Collection(auditCollection).Add(ctx, auditFields(ev)); err != nil {
		return fmt.Errorf("add audit log: %w", err)
	}
	return nil
}

func auditFields(ev audit.Event) map[string]any {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	fields := map[string]any{
		"id":        ev.ID,
		"uid":       ev.UserID,
		"eventType": string(ev.Type),
		"data":      data,
		"timestamp": firestore.ServerTimestamp,
	}
	if ev.RequestID != "" {
		fields["requestId"] = ev.RequestID
	}
	return fields
}
