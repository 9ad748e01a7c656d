package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/entitlement"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func sampleDerived() entitlement.Derived {
	exp := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	return entitlement.Derived{
		State:          entitlement.StateActive,
		ProductID:      "premium_monthly_v1",
		ExpiryDate:     &exp,
		LastVerifiedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStoreUpsertMerge(t *testing.T) {
	store, mock := newMock(t)
	d := sampleDerived()

	mock.ExpectExec("insert into entitlements.*on conflict \\(user_id\\) do update").
		WithArgs("u1", "active", "premium_monthly_v1", *d.ExpiryDate, nil, false, d.LastVerifiedAt, "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpsertMerge(context.Background(), "u1", entitlement.Update{Derived: d, PurchaseToken: "tok-1"}); err != nil {
		t.Fatalf("UpsertMerge: %v", err)
	}
	if err := store.UpsertMerge(context.Background(), "  ", entitlement.Update{Derived: d}); !errors.Is(err, entitlement.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreUpdateRequiresRow(t *testing.T) {
	store, mock := newMock(t)
	d := sampleDerived()

	mock.ExpectExec("update entitlements set").
		WithArgs("u1", "active", "premium_monthly_v1", sqlmock.AnyArg(), nil, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update entitlements set").
		WithArgs("ghost", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update entitlements set").
		WillReturnError(errors.New("connection reset"))

	if err := store.Update(context.Background(), "u1", entitlement.Update{Derived: d}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Update(context.Background(), "ghost", entitlement.Update{Derived: d}); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Update(context.Background(), "u1", entitlement.Update{Derived: d}); err == nil || errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreFindUserByToken(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("select user_id from entitlements").WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectQuery("select user_id from entitlements").WithArgs("tok-2").
		WillReturnError(sql.ErrNoRows)

	uid, err := store.FindUserByToken(context.Background(), "tok-1")
	if err != nil || uid != "u1" {
		t.Fatalf("FindUserByToken=%q,%v", uid, err)
	}
	if _, err := store.FindUserByToken(context.Background(), "tok-2"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindUserByToken(context.Background(), ""); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("empty token must not match, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStoreGet(t *testing.T) {
	store, mock := newMock(t)
	d := sampleDerived()
	updated := time.Date(2025, 3, 1, 0, 0, 1, 0, time.UTC)

	mock.ExpectQuery("select user_id, state, product_id").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "state", "product_id", "expiry_date", "grace_expiry_date",
			"is_trial_period", "last_verified_at", "purchase_token", "updated_at",
		}).AddRow("u1", "cancelled", "premium_yearly_v1", *d.ExpiryDate, nil, true, d.LastVerifiedAt, "tok-1", updated))

	doc, err := store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.State != entitlement.StateCancelled || !doc.IsTrialPeriod || doc.PurchaseToken != "tok-1" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	if doc.ExpiryDate == nil || !doc.ExpiryDate.Equal(*d.ExpiryDate) || doc.GraceExpiryDate != nil {
		t.Fatalf("unexpected dates: %+v", doc)
	}
}

func TestAuditLogAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	ev, err := audit.NewEvent(audit.WithRequestID(context.Background(), "req-1"), "u1", audit.EventVerified,
		map[string]any{"productId": "premium_monthly_v1", "state": "active"}, at)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	mock.ExpectExec("insert into audit_events").
		WithArgs(ev.ID, "u1", "verified", `{"productId":"premium_monthly_v1","state":"active"}`, "req-1", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := NewAuditLog(db).Append(context.Background(), ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
