package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/logging"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerClientID       = "X-Client-ID"
	maxBodyBytes         = 1 << 20
)

// Engine is the slice of the transaction manager the HTTP surface drives.
type Engine interface {
	Submit(ctx context.Context, req domain.TransferRequest) (domain.Transaction, bool, error)
	Advance(ctx context.Context, id uuid.UUID, outcome domain.Status) (domain.Transaction, error)
	Refund(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	Entries(ctx context.Context, id uuid.UUID) ([]domain.Entry, error)
	BalanceAsOf(ctx context.Context, accountID uuid.UUID, asOf *time.Time) (domain.Money, error)
	Account(ctx context.Context, id uuid.UUID) (domain.Account, error)
	CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error)
}

type Handler struct {
	engine  Engine
	logger  *zap.Logger
	timeout time.Duration

	// nil uses the global propagator
	propagator propagation.TextMapPropagator
}

// NewHandler builds a Handler. A zero timeout leaves request contexts untouched.
func NewHandler(engine Engine, logger *zap.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, logger: logger, timeout: timeout}
}

// Register mounts the API routes under /api/v1.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transactions", h.SubmitTransaction).Methods("POST")
	v1.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	v1.HandleFunc("/transactions/{id}/entries", h.ListEntries).Methods("GET")
	v1.HandleFunc("/transactions/{id}/advance", h.AdvanceTransaction).Methods("POST")
	v1.HandleFunc("/transactions/{id}/refund", h.RefundTransaction).Methods("POST")
	v1.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	v1.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
}

type submitBody struct {
	DebitAccountID   uuid.UUID `json:"debit_account_id"`
	CreditAccountID  uuid.UUID `json:"credit_account_id"`
	Amount           int64     `json:"amount_minor"`
	Currency         string    `json:"currency"`
	RequestTimestamp time.Time `json:"request_timestamp"`
}

func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key", "POST", endpoint)
		return
	}
	clientID, err := uuid.Parse(r.Header.Get(headerClientID))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Missing or invalid X-Client-ID", "POST", endpoint)
		return
	}

	var body submitBody
	if err := decode(w, r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}

	ctx, cancel := h.context(r)
	defer cancel()

	tx, replayed, err := h.engine.Submit(ctx, domain.TransferRequest{
		ClientID:         clientID,
		DebitAccountID:   body.DebitAccountID,
		CreditAccountID:  body.CreditAccountID,
		Amount:           body.Amount,
		Currency:         body.Currency,
		IdempotencyKey:   idemKey,
		RequestTimestamp: body.RequestTimestamp,
	})
	if err != nil {
		h.fail(ctx, w, err, "POST", endpoint)
		return
	}

	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", tx.ID))
	h.respondJSON(w, code, tx, "POST", endpoint)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	tx, err := h.engine.Get(ctx, id)
	if err != nil {
		h.fail(ctx, w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "GET", endpoint)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/{id}/entries"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	entries, err := h.engine.Entries(ctx, id)
	if err != nil {
		h.fail(ctx, w, err, "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"entries": entries}, "GET", endpoint)
}

type advanceBody struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) AdvanceTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/{id}/advance"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	var body advanceBody
	if err := decode(w, r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	outcome, err := domain.ParseStatus(body.Outcome)
	if err != nil {
		h.fail(ctx, w, fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, body.Outcome), "POST", endpoint)
		return
	}
	tx, err := h.engine.Advance(ctx, id, outcome)
	if err != nil {
		h.fail(ctx, w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "POST", endpoint)
}

func (h *Handler) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/{id}/refund"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	tx, err := h.engine.Refund(ctx, id)
	if err != nil {
		h.fail(ctx, w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "POST", endpoint)
}

type accountBody struct {
	ID        uuid.UUID            `json:"id"`
	Name      string               `json:"name"`
	Type      domain.AccountType   `json:"type"`
	Status    domain.AccountStatus `json:"status"`
	CreatedBy string               `json:"created_by"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var body accountBody
	if err := decode(w, r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	acct, err := h.engine.CreateAccount(ctx, domain.Account{
		ID:        body.ID,
		Name:      body.Name,
		Type:      body.Type,
		Status:    body.Status,
		CreatedBy: body.CreatedBy,
	})
	if err != nil {
		h.fail(ctx, w, err, "POST", endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%s", acct.ID))
	h.respondJSON(w, http.StatusCreated, acct, "POST", endpoint)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	ctx, cancel := h.context(r)
	defer cancel()

	q := r.URL.Query()
	accounts, err := h.engine.ListAccounts(ctx, domain.AccountFilter{
		Type:   domain.AccountType(q.Get("type")),
		Status: domain.AccountStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(ctx, w, err, "GET", endpoint)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"accounts": accounts}, "GET", endpoint)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()

	acct, err := h.engine.Account(ctx, id)
	if err != nil {
		h.fail(ctx, w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, acct, "GET", endpoint)
}

type balanceResponse struct {
	AccountID uuid.UUID  `json:"account_id"`
	Amount    int64      `json:"amount_minor"`
	Currency  string     `json:"currency"`
	Display   string     `json:"display"`
	AsOf      *time.Time `json:"as_of,omitempty"`
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/balance"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "as_of must be RFC3339", "GET", endpoint)
			return
		}
		t = t.UTC()
		asOf = &t
	}
	ctx, cancel := h.context(r)
	defer cancel()

	bal, err := h.engine.BalanceAsOf(ctx, id, asOf)
	if err != nil {
		h.fail(ctx, w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, balanceResponse{
		AccountID: id,
		Amount:    bal.Amount,
		Currency:  bal.Currency,
		Display:   bal.String(),
		AsOf:      asOf,
	}, "GET", endpoint)
}

// context continues any trace the caller propagated and applies the request timeout.
func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	prop := h.propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, method, endpoint string) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		logging.WithTrace(ctx, h.logger).Error("request failed",
			zap.String("endpoint", endpoint),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
	if kind.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if kind == domain.KindUnknown {
		msg = "internal error"
	}
	h.respondJSON(w, code, errorBody{Error: msg, Code: kind.String()}, method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		h.logger.Debug("write response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, errorBody{Error: msg, Code: domain.KindValidation.String()}, method, endpoint)
}
