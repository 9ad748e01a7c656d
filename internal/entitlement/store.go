package entitlement

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store persists per-user entitlement documents.
type Store interface {
	// UpsertMerge writes the derived fields for userID, creating the document
	// if needed and leaving unrelated fields alone.
	UpsertMerge(ctx context.Context, userID string, u Update) error
	// Update rewrites the derived fields of an existing document. It returns
	// ErrNotFound when there is nothing to update.
	Update(ctx context.Context, userID string, u Update) error
	// FindUserByToken returns the user whose document carries token, or
	// ErrNotFound.
	FindUserByToken(ctx context.Context, token string) (string, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	tokens map[string]string // purchase token -> user id
	now    func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		docs:   make(map[string]*Document),
		tokens: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) UpsertMerge(ctx context.Context, userID string, u Update) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[userID]
	if !ok {
		doc = &Document{UserID: userID}
		s.docs[userID] = doc
	}
	doc.Derived = cloneDerived(u.Derived)
	if u.PurchaseToken != "" && u.PurchaseToken != doc.PurchaseToken {
		if doc.PurchaseToken != "" && s.tokens[doc.PurchaseToken] == userID {
			delete(s.tokens, doc.PurchaseToken)
		}
		doc.PurchaseToken = u.PurchaseToken
		s.tokens[u.PurchaseToken] = userID
	}
	doc.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) Update(ctx context.Context, userID string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[userID]
	if !ok {
		return ErrNotFound
	}
	doc.Derived = cloneDerived(u.Derived)
	doc.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) FindUserByToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.tokens[token]
	if !ok {
		return "", ErrNotFound
	}
	return uid, nil
}

// Get returns a copy of the stored document.
func (s *InMemory) Get(ctx context.Context, userID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[userID]
	if !ok {
		return Document{}, ErrNotFound
	}
	out := *doc
	out.Derived = cloneDerived(doc.Derived)
	return out, nil
}

// Ping satisfies readiness probes.
func (s *InMemory) Ping(ctx context.Context) error { return nil }

func cloneDerived(d Derived) Derived {
	out := d
	if d.ExpiryDate != nil {
		t := *d.ExpiryDate
		out.ExpiryDate = &t
	}
	if d.GraceExpiryDate != nil {
		t := *d.GraceExpiryDate
		out.GraceExpiryDate = &t
	}
	return out
}
