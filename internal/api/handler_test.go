package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/service"
	"github.com/punchamoorthee/ledgercore/internal/store/memory"
)

type testServer struct {
	router http.Handler
	client uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s := memory.New()
	mgr := service.NewManager(s, s, service.WithAccountRegistry(s))
	r := mux.NewRouter()
	NewHandler(mgr, nil, time.Second).Register(r)
	return &testServer{router: r, client: uuid.New()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createAccount(t *testing.T) uuid.UUID {
	t.Helper()

	rec := ts.do(t, "POST", "/api/v1/accounts", map[string]string{"name": "acct", "type": "customer"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acct domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, domain.AccountActive, acct.Status)
	return acct.ID
}

func (ts *testServer) submit(t *testing.T, key string, debit, credit uuid.UUID, amount int64) *httptest.ResponseRecorder {
	t.Helper()

	return ts.do(t, "POST", "/api/v1/transactions", map[string]any{
		"debit_account_id":  debit,
		"credit_account_id": credit,
		"amount_minor":      amount,
		"currency":          "USD",
	}, map[string]string{
		headerIdempotencyKey: key,
		headerClientID:       ts.client.String(),
	})
}

func decodeTx(t *testing.T, rec *httptest.ResponseRecorder) domain.Transaction {
	t.Helper()

	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	return tx
}

func TestTransactionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	a, b := ts.createAccount(t), ts.createAccount(t)

	rec := ts.submit(t, "k1", a, b, 1050)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeTx(t, rec)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.Equal(t, "/api/v1/transactions/"+tx.ID.String(), rec.Header().Get("Location"))

	rec = ts.submit(t, "k1", a, b, 1050)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tx.ID, decodeTx(t, rec).ID)

	rec = ts.do(t, "POST", fmt.Sprintf("/api/v1/transactions/%s/advance", tx.ID), map[string]string{"outcome": "success"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusSuccess, decodeTx(t, rec).Status)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", b), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(1050), bal.Amount)
	assert.Equal(t, "10.50 USD", bal.Display)

	rec = ts.do(t, "POST", fmt.Sprintf("/api/v1/transactions/%s/refund", tx.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusRefunded, decodeTx(t, rec).Status)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/transactions/%s/entries", tx.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Entries []domain.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Entries, 4)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", a), nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(0), bal.Amount)
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t)
	a, b := ts.createAccount(t), ts.createAccount(t)

	rec := ts.do(t, "POST", "/api/v1/transactions", map[string]any{"amount_minor": 1}, map[string]string{headerClientID: ts.client.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/transactions", map[string]any{"amount_minor": 1}, map[string]string{headerIdempotencyKey: "k"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.submit(t, "self", a, a, 100)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.submit(t, "neg", a, b, -1)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.submit(t, "ghost", a, uuid.New(), 100)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, ts.submit(t, "reuse", a, b, 100).Code)
	rec = ts.submit(t, "reuse", a, b, 200)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body.Code)
}

func TestAdvanceErrors(t *testing.T) {
	ts := newTestServer(t)
	a, b := ts.createAccount(t), ts.createAccount(t)
	tx := decodeTx(t, ts.submit(t, "k", a, b, 100))

	path := fmt.Sprintf("/api/v1/transactions/%s/advance", tx.ID)
	rec := ts.do(t, "POST", path, map[string]string{"outcome": "refunded"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, "POST", path, map[string]string{"outcome": "nonsense"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.Equal(t, http.StatusOK, ts.do(t, "POST", path, map[string]string{"outcome": "FAILED"}, nil).Code)
	rec = ts.do(t, "POST", path, map[string]string{"outcome": "SUCCESS"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "POST", fmt.Sprintf("/api/v1/transactions/%s/refund", tx.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/transactions/%s", uuid.New()), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "GET", "/api/v1/transactions/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceAsOfQuery(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAccount(t)

	rec := ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance?as_of=yesterday", a), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance?as_of=2020-01-01T00:00:00Z", a), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, "USD", bal.Currency)
	require.NotNil(t, bal.AsOf)

	rec = ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", uuid.New()), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountErrors(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAccount(t)

	rec := ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s", a), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/accounts", map[string]any{"id": a, "name": "dup", "type": "customer"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/accounts", map[string]any{"name": "x", "type": "robot"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/accounts", map[string]any{"name": "x", "colour": "blue"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// failingEngine returns err from every call.
type failingEngine struct {
	Engine
	err error
}

func (e failingEngine) Get(context.Context, uuid.UUID) (domain.Transaction, error) {
	return domain.Transaction{}, e.err
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err   error
		code  int
		kind  string
		retry bool
	}{
		{fmt.Errorf("read: %w", domain.ErrTransient), http.StatusServiceUnavailable, "transient", true},
		{fmt.Errorf("read: %w", domain.ErrTimeout), http.StatusGatewayTimeout, "timeout", true},
		{fmt.Errorf("advance: %w: %w", domain.ErrIndeterminate, domain.ErrTimeout), http.StatusInternalServerError, "indeterminate", false},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "unknown", false},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			r := mux.NewRouter()
			NewHandler(failingEngine{err: tc.err}, nil, 0).Register(r)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/transactions/"+uuid.NewString(), nil))

			assert.Equal(t, tc.code, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.kind, body.Code)
			assert.Equal(t, tc.retry, rec.Header().Get("Retry-After") != "")
		})
	}
}

// traceEngine records the span context each call arrives with.
type traceEngine struct {
	Engine
	seen trace.SpanContext
}

func (e *traceEngine) Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	e.seen = trace.SpanContextFromContext(ctx)
	return domain.Transaction{ID: id}, nil
}

func TestHandlerContinuesCallerTrace(t *testing.T) {
	engine := &traceEngine{}
	r := mux.NewRouter()
	h := NewHandler(engine, nil, time.Second)
	h.propagator = propagation.TraceContext{}
	h.Register(r)

	req := httptest.NewRequest("GET", "/api/v1/transactions/"+uuid.NewString(), nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, engine.seen.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", engine.seen.TraceID().String())
	assert.True(t, engine.seen.IsRemote())
}

func TestListAccounts(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAccount(t)
	rec := ts.do(t, "POST", "/api/v1/accounts", map[string]string{"name": "shop", "type": "merchant", "status": "frozen"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var list struct {
		Accounts []domain.Account `json:"accounts"`
	}
	rec = ts.do(t, "GET", "/api/v1/accounts?type=customer", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, a, list.Accounts[0].ID)

	rec = ts.do(t, "GET", "/api/v1/accounts?status=closed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accounts":[]}`, rec.Body.String())

	rec = ts.do(t, "GET", "/api/v1/accounts?type=robot", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
