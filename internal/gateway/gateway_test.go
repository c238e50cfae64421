package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/aeromutual/internal/engine"
	"github.com/terminal-bench/aeromutual/internal/gateway"
	"github.com/terminal-bench/aeromutual/internal/identity"
	"github.com/terminal-bench/aeromutual/pkg/leader"
	"github.com/terminal-bench/aeromutual/pkg/messaging"
	"github.com/terminal-bench/aeromutual/pkg/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	gw    *gateway.Gateway
	ids   *identity.Service
	owner uuid.UUID
	bank  *vault.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	owner := uuid.New()
	bank := vault.NewMemory()
	eng := engine.New(engine.Config{
		Owner:     owner,
		OwnerName: "founding airline",
	}, bank, messaging.Discard{})

	ids := identity.NewService(nil, "test-secret")
	gw := gateway.New(gateway.Config{}, eng, ids, leader.Standalone{}, nil, nil)

	return &testServer{gw: gw, ids: ids, owner: owner, bank: bank}
}

func (s *testServer) request(t *testing.T, method, path string, body any, as uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != uuid.Nil {
		token, err := s.ids.IssueToken(as, "")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.gw.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodGet, "/health", nil, uuid.Nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodGet, "/api/v1/status", nil, uuid.Nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "operational", body["mode"])
	assert.Equal(t, "bootstrap", body["phase"])
	assert.Equal(t, float64(1), body["authorized_count"])
	assert.Equal(t, "0", body["insurance_balance"])
}

func TestAccountEndpointsWithoutDatabase(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodPost, "/api/v1/accounts", gin.H{"name": "Aurora Air"}, uuid.Nil)
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	secret, ok := body["secret"].(string)
	require.True(t, ok)
	account, ok := body["account"].(map[string]any)
	require.True(t, ok)
	accountID, ok := account["id"].(string)
	require.True(t, ok)

	w = s.request(t, http.MethodPost, "/api/v1/auth/token",
		gin.H{"account_id": accountID, "secret": secret}, uuid.Nil)
	require.Equal(t, http.StatusOK, w.Code)
	token, ok := decode(t, w)["token"].(string)
	require.True(t, ok)

	// The issued token authenticates; the fresh account is simply not an
	// authorized sponsor yet.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/airlines",
		bytes.NewBufferString(fmt.Sprintf(`{"name":"Tail Winds","account_id":%q}`, uuid.New())))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	s.gw.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	t.Run("wrong secret is unauthorized", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/auth/token",
			gin.H{"account_id": accountID, "secret": "wrong"}, uuid.Nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := s.request(t, http.MethodPost, "/api/v1/airlines",
		gin.H{"name": "Aurora Air", "account_id": uuid.New().String()}, uuid.Nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/airlines", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Bearer junk")
	w = httptest.NewRecorder()
	s.gw.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterAirline(t *testing.T) {
	t.Run("owner registers a new airline", func(t *testing.T) {
		s := newTestServer(t)
		account := uuid.New()

		w := s.request(t, http.MethodPost, "/api/v1/airlines",
			gin.H{"name": "Aurora Air", "account_id": account.String()}, s.owner)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["registered"])

		w = s.request(t, http.MethodGet, "/api/v1/airlines/"+account.String(), nil, uuid.Nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Aurora Air", body["name"])
		assert.Equal(t, false, body["authorized"])
	})

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		s := newTestServer(t)
		account := uuid.New()
		payload := gin.H{"name": "Aurora Air", "account_id": account.String()}

		w := s.request(t, http.MethodPost, "/api/v1/airlines", payload, s.owner)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.request(t, http.MethodPost, "/api/v1/airlines", payload, s.owner)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unauthorized sponsor is forbidden", func(t *testing.T) {
		s := newTestServer(t)

		w := s.request(t, http.MethodPost, "/api/v1/airlines",
			gin.H{"name": "Aurora Air", "account_id": uuid.New().String()}, uuid.New())
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		s := newTestServer(t)

		w := s.request(t, http.MethodPost, "/api/v1/airlines", gin.H{"name": "x"}, s.owner)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestFundAirline(t *testing.T) {
	s := newTestServer(t)
	airline := uuid.New()

	w := s.request(t, http.MethodPost, "/api/v1/airlines",
		gin.H{"name": "Aurora Air", "account_id": airline.String()}, s.owner)
	require.Equal(t, http.StatusOK, w.Code)

	s.bank.Credit(airline, decimal.NewFromInt(10))
	w = s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/airlines/%s/fund", airline),
		gin.H{"value": "10"}, airline)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.request(t, http.MethodGet, "/api/v1/airlines/"+airline.String(), nil, uuid.Nil)
	assert.Equal(t, true, decode(t, w)["authorized"])
}

func TestDeposit(t *testing.T) {
	s := newTestServer(t)
	airline := uuid.New()

	w := s.request(t, http.MethodPost, "/api/v1/airlines",
		gin.H{"name": "Aurora Air", "account_id": airline.String()}, s.owner)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("below the funding floor", func(t *testing.T) {
		s.bank.Credit(airline, decimal.NewFromInt(20))
		w := s.request(t, http.MethodPost, "/api/v1/deposit", gin.H{"value": "9"}, airline)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("funds the sender", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/deposit", gin.H{"value": "10"}, airline)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.request(t, http.MethodGet, "/api/v1/airlines/"+airline.String(), nil, uuid.Nil)
		assert.Equal(t, true, decode(t, w)["authorized"])
	})
}

func TestInsuranceLifecycle(t *testing.T) {
	s := newTestServer(t)
	airline := uuid.New()
	insuree := uuid.New()

	w := s.request(t, http.MethodPost, "/api/v1/airlines",
		gin.H{"name": "Aurora Air", "account_id": airline.String()}, s.owner)
	require.Equal(t, http.StatusOK, w.Code)
	s.bank.Credit(airline, decimal.NewFromInt(10))
	w = s.request(t, http.MethodPost, fmt.Sprintf("/api/v1/airlines/%s/fund", airline),
		gin.H{"value": "10"}, airline)
	require.Equal(t, http.StatusOK, w.Code)

	s.bank.Credit(insuree, decimal.NewFromInt(5))

	t.Run("buy", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance", gin.H{
			"airline_id": airline.String(),
			"flight":     "FL123",
			"timestamp":  1700000000,
			"amount":     "5",
			"value":      "5",
		}, insuree)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, decode(t, w)["flight_key"])
	})

	t.Run("buy with mismatched value", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance", gin.H{
			"airline_id": airline.String(),
			"flight":     "FL123",
			"timestamp":  1700000000,
			"amount":     "1",
			"value":      "2",
		}, insuree)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("credit", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance/credit",
			gin.H{"insuree_id": insuree.String(), "amount": "4"}, airline)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.request(t, http.MethodGet, "/api/v1/insurees/"+insuree.String(), nil, uuid.Nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "4", decode(t, w)["payout_balance"])
	})

	t.Run("credit above insured amount", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance/credit",
			gin.H{"insuree_id": insuree.String(), "amount": "6"}, airline)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("credit by a non-airline caller", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance/credit",
			gin.H{"insuree_id": insuree.String(), "amount": "1"}, insuree)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("pay", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance/pay",
			gin.H{"insuree_id": insuree.String(), "amount": "3"}, airline)
		require.Equal(t, http.StatusOK, w.Code)

		w = s.request(t, http.MethodGet, "/api/v1/insurees/"+insuree.String(), nil, uuid.Nil)
		assert.Equal(t, "1", decode(t, w)["payout_balance"])
	})

	t.Run("pay above the credited balance", func(t *testing.T) {
		w := s.request(t, http.MethodPost, "/api/v1/insurance/pay",
			gin.H{"insuree_id": insuree.String(), "amount": "2"}, airline)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unknown insuree lookup", func(t *testing.T) {
		w := s.request(t, http.MethodGet, "/api/v1/insurees/"+uuid.New().String(), nil, uuid.Nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSetOperatingStatus(t *testing.T) {
	t.Run("owner suspends and resumes", func(t *testing.T) {
		s := newTestServer(t)

		w := s.request(t, http.MethodPut, "/api/v1/operations", gin.H{"operational": false}, s.owner)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["changed"])
		assert.Equal(t, "suspended", body["mode"])

		// Mutations are rejected while suspended.
		w = s.request(t, http.MethodPost, "/api/v1/airlines",
			gin.H{"name": "Aurora Air", "account_id": uuid.New().String()}, s.owner)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = s.request(t, http.MethodPut, "/api/v1/operations", gin.H{"operational": true}, s.owner)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "operational", decode(t, w)["mode"])
	})

	t.Run("non-owner is forbidden during bootstrap", func(t *testing.T) {
		s := newTestServer(t)

		w := s.request(t, http.MethodPut, "/api/v1/operations", gin.H{"operational": false}, uuid.New())
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

type followerGate struct{}

func (followerGate) IsLeader() bool { return false }

func TestWritesRequireLeadership(t *testing.T) {
	owner := uuid.New()
	eng := engine.New(engine.Config{Owner: owner}, vault.NewMemory(), messaging.Discard{})
	ids := identity.NewService(nil, "test-secret")
	gw := gateway.New(gateway.Config{}, eng, ids, followerGate{}, nil, nil)

	token, err := ids.IssueToken(owner, "")
	require.NoError(t, err)

	body, _ := json.Marshal(gin.H{"name": "Aurora Air", "account_id": uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/airlines", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	gw.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// Reads are still served by followers.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w = httptest.NewRecorder()
	gw.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
