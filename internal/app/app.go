// Package app assembles the reconciliation service from configuration. It is
// shared by the API server and the queue workers.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/billing"
	"qazna.org/entitlements/internal/config"
	"qazna.org/entitlements/internal/entitlement"
	"qazna.org/entitlements/internal/reconcile"
	"qazna.org/entitlements/internal/store/fsstore"
	"qazna.org/entitlements/internal/store/pg"
	"qazna.org/entitlements/internal/stream"
)

// Store is an entitlement store that can report its health.
type Store interface {
	entitlement.Store
	Ping(ctx context.Context) error
}

// Components holds the wired service and the resources behind it.
type Components struct {
	Store   Store
	Audit   audit.Log
	Gateway billing.Gateway
	Service *reconcile.Service
	// Events receives every audit event after the durable sinks accepted it.
	Events *stream.Broker

	closers []func() error
}

// Option adjusts wiring, mostly for tests.
type Option func(*wiring)

type wiring struct {
	gateway billing.Gateway
}

// WithGateway skips building the Play client and uses g instead.
func WithGateway(g billing.Gateway) Option {
	return func(w *wiring) { w.gateway = g }
}

// Wire opens the configured store and billing client and builds the service.
// Close releases whatever was opened, also on a partial failure.
func Wire(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (*Components, error) {
	var w wiring
	for _, opt := range opts {
		opt(&w)
	}
	c := &Components{Events: stream.New(0)}

	sink := audit.NewLogSink(logger.With().Str("component", "audit").Logger())
	switch cfg.Store {
	case config.StorePostgres:
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, st.Close)
		c.Store = st
		c.Audit = audit.Multi{pg.NewAuditLog(st.DB()), sink, c.Events}
	case config.StoreFirestore:
		st, err := fsstore.Open(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, st.Close)
		c.Store = st
		c.Audit = audit.Multi{fsstore.NewAuditLog(st.Client()), sink, c.Events}
	case config.StoreMemory, "":
		c.Store = entitlement.NewInMemory()
		c.Audit = audit.Multi{audit.NewMemory(), sink, c.Events}
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	c.Gateway = w.gateway
	if c.Gateway == nil {
		ps, err := billing.NewPlayStore(ctx, cfg.PlayCredentialsFile, billing.WithTimeout(cfg.BillingTimeout))
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Gateway = ps
	}

	c.Service = reconcile.New(c.Gateway, c.Store, c.Audit,
		reconcile.WithLogger(logger.With().Str("component", "reconcile").Logger()),
		reconcile.WithProducts(cfg.Products),
		reconcile.WithPackageName(cfg.PackageName),
	)
	return c, nil
}

// Close releases opened resources in reverse order.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
