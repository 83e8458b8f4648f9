// Package httpapi exposes the engine's REST surface: session key
// lifecycle, payments, settlements, milestone commitments, and payouts.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/milestonepay/engine/internal/app/domain/milestone"
	"github.com/milestonepay/engine/internal/app/domain/sessionkey"
	"github.com/milestonepay/engine/internal/app/domain/settlement"
	"github.com/milestonepay/engine/internal/app/metrics"
	"github.com/milestonepay/engine/internal/app/storage"
	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/merkle"
	"github.com/milestonepay/engine/pkg/logger"
)

// SessionKeys is the session-key service surface the API uses.
type SessionKeys interface {
	Create(ctx context.Context, accountID, address string, cfg sessionkey.SpendConfig) (sessionkey.Key, error)
	GetActive(ctx context.Context, address string) (sessionkey.Key, error)
	Revoke(ctx context.Context, id string) error
}

// Payments runs the payment flow.
type Payments interface {
	Pay(ctx context.Context, address, dest string, amount int64) (settlement.Record, error)
}

// Settlements reads settlement records.
type Settlements interface {
	GetSettlement(ctx context.Context, id string) (settlement.Record, error)
}

// Payouts manages commitments and payout requests.
type Payouts interface {
	CreateCommitment(ctx context.Context, milestoneID string, leaves []milestone.Leaf) (milestone.Commitment, error)
	GetCommitment(ctx context.Context, milestoneID string) (milestone.Commitment, error)
	Prove(ctx context.Context, milestoneID, leafID string) (merkle.Proof, merkle.Leaf, error)
	SubmitPayout(ctx context.Context, milestoneID, leafID, contributor string) (milestone.PayoutRequest, error)
}

// HandlerConfig bundles the dependencies of the REST handler.
type HandlerConfig struct {
	SessionKeys SessionKeys
	Payments    Payments
	Settlements Settlements
	Payouts     Payouts
	Auth        AuthConfig
	Log         *logger.Logger
}

type handler struct {
	sessionKeys SessionKeys
	payments    Payments
	settlements Settlements
	payouts     Payouts
	log         *logger.Logger
}

// NewHandler returns the routed REST API. /healthz and /metrics are open;
// everything else requires a JWT bearer token or an API key.
func NewHandler(cfg HandlerConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		sessionKeys: cfg.SessionKeys,
		payments:    cfg.Payments,
		settlements: cfg.Settlements,
		payouts:     cfg.Payouts,
		log:         log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(instrumentMiddleware)
	api.Use(authMiddleware(cfg.Auth))
	api.HandleFunc("/session-keys", h.createSessionKey).Methods(http.MethodPost)
	api.HandleFunc("/session-keys/active", h.activeSessionKey).Methods(http.MethodGet)
	api.HandleFunc("/session-keys/{id}/revoke", h.revokeSessionKey).Methods(http.MethodPost)
	api.HandleFunc("/payments", h.createPayment).Methods(http.MethodPost)
	api.HandleFunc("/settlements/{id}", h.getSettlement).Methods(http.MethodGet)
	api.HandleFunc("/milestones/{id}/commitment", h.createCommitment).Methods(http.MethodPost)
	api.HandleFunc("/milestones/{id}/commitment", h.getCommitment).Methods(http.MethodGet)
	api.HandleFunc("/milestones/{id}/proofs/{leafId}", h.getProof).Methods(http.MethodGet)
	api.HandleFunc("/payouts", h.submitPayout).Methods(http.MethodPost)
	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createSessionKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID       string `json:"accountId"`
		Address         string `json:"address"`
		MaxPerOperation int64  `json:"maxPerOperation"`
		MaxTotalSpend   int64  `json:"maxTotalSpend"`
		ValidForSeconds int64  `json:"validForSeconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key, err := h.sessionKeys.Create(r.Context(), payload.AccountID, payload.Address, sessionkey.SpendConfig{
		MaxPerOperation: payload.MaxPerOperation,
		MaxTotalSpend:   payload.MaxTotalSpend,
		ValidFor:        time.Duration(payload.ValidForSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *handler) activeSessionKey(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, errors.Validation("address", "query parameter is required"))
		return
	}

	key, err := h.sessionKeys.GetActive(r.Context(), address)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, key.Redacted())
}

func (h *handler) revokeSessionKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessionKeys.Revoke(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Address     string `json:"address"`
		Destination string `json:"destination"`
		Amount      int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.payments.Pay(r.Context(), payload.Address, payload.Destination, payload.Amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *handler) getSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := h.settlements.GetSettlement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) createCommitment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Leaves []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
		} `json:"leaves"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	leaves := make([]milestone.Leaf, len(payload.Leaves))
	for i, l := range payload.Leaves {
		leaves[i] = milestone.Leaf{ID: l.ID, Amount: l.Amount}
	}

	c, err := h.payouts.CreateCommitment(r.Context(), mux.Vars(r)["id"], leaves)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) getCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := h.payouts.GetCommitment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) getProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	proof, leaf, err := h.payouts.Prove(r.Context(), vars["id"], vars["leafId"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leafId":   leaf.ID,
		"amount":   leaf.Amount,
		"siblings": proof.SiblingsHex(),
		"right":    proof.Right,
	})
}

func (h *handler) submitPayout(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MilestoneID string `json:"milestoneId"`
		LeafID      string `json:"leafId"`
		Contributor string `json:"contributor"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.payouts.SubmitPayout(r.Context(), payload.MilestoneID, payload.LeafID, payload.Contributor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNoActiveKey),
		errors.Is(err, errors.ErrKeyExpired),
		errors.Is(err, errors.ErrSpendCapExceeded):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrAlreadyPaid),
		errors.Is(err, errors.ErrAlreadyCommitted),
		errors.Is(err, errors.ErrTerminalState):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.IsRetryable(err), errors.IsRelayRejection(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
