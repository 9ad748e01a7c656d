package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/notify"
	"qazna.org/entitlements/internal/reconcile"
)

func (a *API) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	a.establish(w, r, a.svc.Verify)
}

func (a *API) RestorePurchase(w http.ResponseWriter, r *http.Request) {
	a.establish(w, r, a.svc.Restore)
}

type establishFunc func(ctx context.Context, req reconcile.Request) (reconcile.Result, error)

func (a *API) establish(w http.ResponseWriter, r *http.Request, fn establishFunc) {
	var req reconcile.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "invalid_argument", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return
	}
	res, err := fn(r.Context(), req)
	if err != nil {
		a.writeReconcileError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) writeReconcileError(w http.ResponseWriter, r *http.Request, err error) {
	kind := reconcile.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case reconcile.KindUnauthenticated:
		code = http.StatusUnauthorized
	case reconcile.KindInvalidArgument:
		code = http.StatusBadRequest
	}
	msg := err.Error()
	var rerr *reconcile.Error
	if !errors.As(err, &rerr) {
		msg = "internal error"
	}
	if code == http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Msg("reconcile failed")
	}
	writeError(w, r, code, string(kind), msg)
}

// PubSubPush receives Play real-time developer notifications. Any non-2xx
// answer makes Pub/Sub redeliver.
func (a *API) PubSubPush(w http.ResponseWriter, r *http.Request) {
	if a.pushToken != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.pushToken)) != 1 {
			writeError(w, r, http.StatusForbidden, "forbidden", "invalid push token")
			return
		}
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "unreadable body")
		return
	}
	env, payload, err := notify.DecodePush(body)
	if err != nil {
		a.logger.Warn().Err(err).Msg("rejecting push envelope")
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "malformed push envelope")
		return
	}
	log := a.logger.With().
		Str("message_id", env.Message.MessageID).
		Str("subscription", env.Subscription).
		Str("request_id", requestIDFromContext(r.Context())).
		Logger()

	a.applyNotification(w, r, payload, log)
}

// ReplayNotification lets an admin feed a raw developer notification through
// the same path as a push.
func (a *API) ReplayNotification(w http.ResponseWriter, r *http.Request) {
	p, err := auth.Require(r.Context(), auth.RoleAdmin)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "unreadable body")
		return
	}
	a.applyNotification(w, r, payload, a.logger.With().Str("admin", p.UserID).Logger())
}

func (a *API) applyNotification(w http.ResponseWriter, r *http.Request, payload []byte, log zerolog.Logger) {
	err := a.svc.HandleNotification(r.Context(), payload)
	switch {
	case err == nil:
		log.Info().Msg("notification accepted")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, reconcile.ErrMalformedNotification):
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "malformed notification")
	default:
		log.Error().Err(err).Msg("notification failed")
		writeError(w, r, http.StatusInternalServerError, "internal", "notification processing failed")
	}
}
