package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/engine"
	"github.com/ksred/klear-dca/internal/execution"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/observability"
	"github.com/ksred/klear-dca/internal/settlement"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/ksred/klear-dca/pkg/response"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPair = "pair-atom-usdc"

type testServer struct {
	router *gin.Engine
	clock  *engine.ManualClock
	venue  *venue.Simulator
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *response.Error `json:"error"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB, err := database.NewDatabase(filepath.Join(t.TempDir(), "dca.db"))
	require.NoError(t, err)
	db := ledger.NewDatabase(gormDB)
	require.NoError(t, db.SavePair(&types.Pair{Address: testPair, BaseDenom: "uatom", QuoteDenom: "uusdc"}))

	sim := venue.NewSimulator()
	sim.SetPrice(testPair, decimal.NewFromInt(10))
	clock := engine.NewManualClock(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))

	e := engine.New(db, sim, clock, observability.NewMetrics("", nil), engine.Config{
		Admin:                 "admin",
		FeeCollector:          "fees",
		SwapFeePercent:        decimal.Zero,
		PerformanceFeePercent: decimal.RequireFromString("0.2"),
		EscrowLevel:           decimal.RequireFromString("0.05"),
		DefaultSlippage:       decimal.RequireFromString("0.01"),
	})

	authService := auth.NewService("test-secret", "admin")
	authService.RegisterAPICredentials("alice", "alice-secret")
	authService.RegisterAPICredentials("bob", "bob-secret")
	authService.RegisterAPICredentials("admin", "admin-secret")

	router := gin.New()
	SetupRoutes(router, authService, auth.NewGinHandlers(authService), NewGinHandlers(e))

	return &testServer{router: router, clock: clock, venue: sim}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (s *testServer) token(t *testing.T, key, secret string) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: key, APISecret: secret})
	require.Equal(t, http.StatusCreated, code)

	var token auth.TokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &token))
	return token.Token
}

func (s *testServer) createVault(t *testing.T, token string, funds int64) types.Vault {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/vaults", token, map[string]any{
		"pair_address":  testPair,
		"position":      "enter",
		"swap_amount":   "100",
		"time_interval": "hourly",
		"funds":         []types.Coin{types.NewCoin(funds, "uusdc")},
	})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)

	var v types.Vault
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func vaultPath(id uint64, suffix string) string {
	return "/api/v1/vaults/" + strconv.FormatUint(id, 10) + suffix
}

func internalPath(id uint64, suffix string) string {
	return "/api/v1/internal/vaults/" + strconv.FormatUint(id, 10) + suffix
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{APIKey: "alice", APISecret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)
	assert.Equal(t, response.ErrCodeUnauthorized, env.Error.Code)
}

func TestVaultRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "/api/v1/vaults", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/vaults", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateExecuteAndQueryVault(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "alice-secret")
	admin := s.token(t, "admin", "admin-secret")

	v := s.createVault(t, alice, 200)
	assert.Equal(t, "alice", v.Owner)
	assert.Equal(t, types.VaultStatusActive, v.Status)

	executePath := internalPath(v.ID, "/execute")
	code, env := s.do(t, http.MethodPost, executePath, admin, nil)
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	var result execution.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, execution.StatusSwapSubmitted, result.Status)

	// the next slot is an hour away
	code, env = s.do(t, http.MethodPost, executePath, admin, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(types.CodeNotDue), env.Error.Code)

	code, env = s.do(t, http.MethodGet, vaultPath(v.ID, ""), alice, nil)
	require.Equal(t, http.StatusOK, code)
	var view struct {
		ID             uint64         `json:"id"`
		Balance        types.Coin     `json:"balance"`
		ReceivedAmount types.Coin     `json:"received_amount"`
		Trigger        *types.Trigger `json:"trigger"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.True(t, view.Balance.Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, view.ReceivedAmount.Amount.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, view.Trigger)
	assert.Equal(t, types.SagaIdle, view.Trigger.State)

	code, env = s.do(t, http.MethodGet, vaultPath(v.ID, "/executions"), alice, nil)
	require.Equal(t, http.StatusOK, code)
	var executions struct {
		Items []types.Execution `json:"items"`
		Next  uint64            `json:"next"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &executions))
	require.Len(t, executions.Items, 1)
	assert.Equal(t, uint64(1), executions.Next)

	code, env = s.do(t, http.MethodGet, vaultPath(v.ID, "/events?limit=2"), alice, nil)
	require.Equal(t, http.StatusOK, code)
	var events struct {
		Items []types.Event `json:"items"`
		Next  uint64        `json:"next"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events.Items, 2)
	assert.Equal(t, types.EventVaultCreated, events.Items[0].Type)

	code, env = s.do(t, http.MethodGet, vaultPath(v.ID, "/events?after=2"), alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &events))
	assert.Equal(t, uint64(3), events.Items[0].Sequence)

	code, env = s.do(t, http.MethodGet, "/api/v1/balances", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var balances []settlement.Balance
	require.NoError(t, json.Unmarshal(env.Data, &balances))
	require.Len(t, balances, 1)
	assert.Equal(t, "uatom", balances[0].Denom)
	assert.True(t, balances[0].Total().Equal(decimal.NewFromInt(10)))
}

func TestListVaultsDefaultsToCaller(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "alice-secret")
	bob := s.token(t, "bob", "bob-secret")

	s.createVault(t, alice, 100)
	s.createVault(t, alice, 300)
	s.createVault(t, bob, 100)

	code, env := s.do(t, http.MethodGet, "/api/v1/vaults", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Items []types.Vault `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page.Items, 2)

	code, env = s.do(t, http.MethodGet, "/api/v1/vaults?owner=bob&status=active", alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bob", page.Items[0].Owner)

	code, _ = s.do(t, http.MethodGet, "/api/v1/vaults?limit=abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDepositAndCancelOwnership(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "alice-secret")
	bob := s.token(t, "bob", "bob-secret")
	admin := s.token(t, "admin", "admin-secret")

	v := s.createVault(t, alice, 100)

	deposit := DepositRequest{Funds: []types.Coin{types.NewCoin(50, "uusdc")}}
	code, env := s.do(t, http.MethodPost, vaultPath(v.ID, "/deposit"), bob, deposit)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(types.CodeUnauthorized), env.Error.Code)

	code, env = s.do(t, http.MethodPost, vaultPath(v.ID, "/deposit"), alice, DepositRequest{Funds: []types.Coin{types.NewCoin(50, "uatom")}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(types.CodeDenomMismatch), env.Error.Code)

	code, env = s.do(t, http.MethodPost, vaultPath(v.ID, "/deposit"), alice, deposit)
	require.Equal(t, http.StatusCreated, code)
	var updated types.Vault
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.True(t, updated.Balance.Amount.Equal(decimal.NewFromInt(150)))

	code, _ = s.do(t, http.MethodPost, vaultPath(v.ID, "/cancel"), bob, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(t, http.MethodPost, vaultPath(v.ID, "/cancel"), admin, nil)
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, types.VaultStatusCancelled, updated.Status)

	code, env = s.do(t, http.MethodPost, vaultPath(v.ID, "/cancel"), alice, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(types.CodeAlreadyTerminal), env.Error.Code)

	code, env = s.do(t, http.MethodGet, vaultPath(v.ID, "/transfers"), alice, nil)
	require.Equal(t, http.StatusOK, code)
	var transfers []types.Transfer
	require.NoError(t, json.Unmarshal(env.Data, &transfers))
	require.Len(t, transfers, 1)
	assert.Equal(t, "alice", transfers[0].Recipient)
	assert.True(t, transfers[0].Coin.Amount.Equal(decimal.NewFromInt(150)))

	code, env = s.do(t, http.MethodGet, "/api/v1/transfers/"+transfers[0].TransferID, alice, nil)
	require.Equal(t, http.StatusOK, code)
	var transfer types.Transfer
	require.NoError(t, json.Unmarshal(env.Data, &transfer))
	assert.Equal(t, transfers[0].TransferID, transfer.TransferID)
	assert.Equal(t, v.ID, transfer.VaultID)

	code, env = s.do(t, http.MethodGet, "/api/v1/transfers/TRF_missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(types.CodeNotFound), env.Error.Code)
}

func TestInternalRoutesRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "alice-secret")
	v := s.createVault(t, alice, 100)

	code, env := s.do(t, http.MethodPost, internalPath(v.ID, "/execute"), alice, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, response.ErrCodeForbidden, env.Error.Code)
}

func TestInvalidVaultID(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "alice-secret")

	code, _ := s.do(t, http.MethodGet, "/api/v1/vaults/abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := s.do(t, http.MethodGet, "/api/v1/vaults/999", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(types.CodeNotFound), env.Error.Code)
}

func TestSwapAdjustmentRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "admin", "admin-secret")

	code, env := s.do(t, http.MethodPut, "/api/v1/internal/swap-adjustments", admin, SwapAdjustmentRequest{
		PairAddress: testPair,
		Position:    types.PositionEnter,
		Value:       decimal.RequireFromString("1.2"),
	})
	require.Equal(t, http.StatusOK, code, "%+v", env.Error)
	var adjustment types.SwapAdjustment
	require.NoError(t, json.Unmarshal(env.Data, &adjustment))
	assert.True(t, adjustment.Value.Equal(decimal.RequireFromString("1.2")))

	code, _ = s.do(t, http.MethodPut, "/api/v1/internal/swap-adjustments", admin, SwapAdjustmentRequest{
		PairAddress: testPair,
		Position:    types.PositionEnter,
		Value:       decimal.NewFromInt(-1),
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/internal/swap-adjustments/recompute", admin, nil)
	assert.Equal(t, http.StatusCreated, code)
}

func TestConfirmationForUnknownRequest(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "admin", "admin-secret")

	code, env := s.do(t, http.MethodPost, "/api/v1/internal/venue/confirmations", admin, venue.Confirmation{
		RequestID: "missing",
		Kind:      venue.KindSwap,
		Sent:      decimal.NewFromInt(1),
		Received:  decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(types.CodeNotFound), env.Error.Code)
}

func TestDispatchFailureMapsToBadGateway(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "alice-secret")
	admin := s.token(t, "admin", "admin-secret")
	v := s.createVault(t, alice, 200)

	s.venue.SetDispatchError(errors.New("venue offline"))
	code, env := s.do(t, http.MethodPost, internalPath(v.ID, "/execute"), admin, nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, response.ErrCodeVenueUnavailable, env.Error.Code)

	// the request was abandoned, so a retry goes through
	s.venue.SetDispatchError(nil)
	code, _ = s.do(t, http.MethodPost, internalPath(v.ID, "/execute"), admin, nil)
	assert.Equal(t, http.StatusCreated, code)
}
