package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/entitlement"
)

type Store struct {
	db *sql.DB
}

var _ entitlement.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle, e.g. one from sqlmock.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) UpsertMerge(ctx context.Context, userID string, u entitlement.Update) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return entitlement.ErrInvalidInput
	}
	d := u.Derived
	// A blank token keeps whatever token the row already has.
	_, err := s.db.ExecContext(ctx, `
		insert into entitlements(user_id, state, product_id, expiry_date, grace_expiry_date,
			is_trial_period, last_verified_at, purchase_token, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''), now(), now())
		on conflict (user_id) do update set
			state = excluded.state,
			product_id = excluded.product_id,
			expiry_date = excluded.expiry_date,
			grace_expiry_date = excluded.grace_expiry_date,
			is_trial_period = excluded.is_trial_period,
			last_verified_at = excluded.last_verified_at,
			purchase_token = coalesce(excluded.purchase_token, entitlements.purchase_token),
			updated_at = now()
	`, userID, string(d.State), d.ProductID, d.ExpiryDate, d.GraceExpiryDate,
		d.IsTrialPeriod, d.LastVerifiedAt.UTC(), u.PurchaseToken)
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, userID string, u entitlement.Update) error {
	d := u.Derived
	res, err := s.db.ExecContext(ctx, `
		update entitlements set
			state = $2,
			product_id = $3,
			expiry_date = $4,
			grace_expiry_date = $5,
			is_trial_period = $6,
			last_verified_at = $7,
			updated_at = now()
		where user_id = $1
	`, userID, string(d.State), d.ProductID, d.ExpiryDate, d.GraceExpiryDate,
		d.IsTrialPeriod, d.LastVerifiedAt.UTC())
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	if n == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

func (s *Store) FindUserByToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", entitlement.ErrNotFound
	}
	var uid string
	err := s.db.QueryRowContext(ctx, `
		select user_id from entitlements
		where purchase_token = $1
		order by updated_at desc
		limit 1
	`, token).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entitlement.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find user by token: %w", err)
	}
	return uid, nil
}

// Get loads the stored document for userID.
func (s *Store) Get(ctx context.Context, userID string) (entitlement.Document, error) {
	var (
		doc         entitlement.Document
		state       string
		expiry      sql.NullTime
		graceExpiry sql.NullTime
		purchaseTok sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select user_id, state, product_id, expiry_date, grace_expiry_date,
			is_trial_period, last_verified_at, purchase_token, updated_at
		from entitlements where user_id = $1
	`, userID).Scan(&doc.UserID, &state, &doc.ProductID, &expiry, &graceExpiry,
		&doc.IsTrialPeriod, &doc.LastVerifiedAt, &purchaseTok, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Document{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Document{}, err
	}
	doc.State, _ = entitlement.ParseState(state)
	if expiry.Valid {
		t := expiry.Time.UTC()
		doc.ExpiryDate = &t
	}
	if graceExpiry.Valid {
		t := graceExpiry.Time.UTC()
		doc.GraceExpiryDate = &t
	}
	doc.PurchaseToken = purchaseTok.String
	return doc, nil
}

// AuditLog appends audit events to the audit_events table.
type AuditLog struct {
	db *sql.DB
}

var _ audit.Log = (*AuditLog)(nil)

func NewAuditLog(db *sql.DB) *AuditLog { return &AuditLog{db: db} }

func (l *AuditLog) Append(ctx context.Context, ev audit.Event) error {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode audit data: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `
		insert into audit_events(id, user_id, event_type, data, request_id, occurred_at)
		values ($1,$2,$3,$4::jsonb,nullif($5,''),$6)
	`, ev.ID, ev.UserID, string(ev.Type), string(payload), ev.RequestID, ev.Timestamp.UTC()); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
