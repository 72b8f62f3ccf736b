package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/infra/auth"
	"github.com/xela07ax/aifleet-control-plane/internal/journal"
	"github.com/xela07ax/aifleet-control-plane/internal/lease"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
)

func testServer(t *testing.T, rdb *redis.Client) (*Server, *auth.BaseValidator, *infra.Config) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("operator-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &infra.Config{
		Auth: infra.AuthConfig{
			JWTSecret:        "test-secret",
			TokenTTL:         time.Hour,
			OperatorUser:     "operator",
			OperatorPassHash: string(hash),
		},
		Router: infra.RouterConfig{
			Frontends: map[string]infra.FrontendConfig{
				"8100": {FrontendPort: 8100, TrafficPercentNew: 10},
			},
		},
	}

	logger := zap.NewNop()
	store := registry.NewStore(time.Minute, infra.NewMetrics(nil))
	regSvc := registry.NewService(store, rdb, journal.Nop{}, time.Second, logger)
	arbiter := lease.NewArbiter(1000, time.Minute, journal.Nop{}, logger, nil)
	validator := auth.NewBaseValidator([]byte(cfg.Auth.JWTSecret))

	return NewServer(cfg, validator, regSvc, arbiter, nil, logger), validator, cfg
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T, srv *Server) string {
	t.Helper()

	rec := doJSON(t, srv, "POST", "/auth/token", "", domain.LoginRequest{
		Username: "operator",
		Password: "operator-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	rec := doJSON(t, srv, "POST", "/auth/token", "", domain.LoginRequest{
		Username: "operator",
		Password: "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, "POST", "/auth/token", "", domain.LoginRequest{
		Username: "intruder",
		Password: "operator-pass",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedPerimeterRequiresToken(t *testing.T) {
	srv, _, _ := testServer(t, nil)

	rec := doJSON(t, srv, "GET", "/v1/fleet/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAgentsWithToken(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	token := adminToken(t, srv)

	rec := doJSON(t, srv, "GET", "/v1/fleet/agents", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []domain.RegistryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}

func TestMutationsRequireAdminScope(t *testing.T) {
	srv, validator, _ := testServer(t, nil)

	// Токен без fleet.admin: читать можно, мутировать нельзя
	readOnly, err := validator.IssueToken("viewer", map[string]bool{}, time.Hour)
	require.NoError(t, err)

	rec := doJSON(t, srv, "GET", "/v1/fleet/leases", readOnly, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "POST", "/v1/fleet/leases/some-id/release", readOnly, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestForceReleaseUnknownLeaseIsIdempotent(t *testing.T) {
	srv, _, _ := testServer(t, nil)
	token := adminToken(t, srv)

	rec := doJSON(t, srv, "POST", "/v1/fleet/leases/no-such-lease/release", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetTrafficValidatesAndApplies(t *testing.T) {
	srv, _, cfg := testServer(t, nil)
	token := adminToken(t, srv)

	rec := doJSON(t, srv, "POST", "/v1/fleet/router/frontends/8100/traffic", token,
		map[string]int{"percent": 130})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, "POST", "/v1/fleet/router/frontends/8100/traffic", token,
		map[string]int{"percent": 45})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 45, cfg.LiveTrafficPercent(8100))
}

func TestBlockAgentReportsBusOutage(t *testing.T) {
	// Redis по этому адресу нет: kill-switch обязан вернуть 503, а не
	// сделать вид, что блокировка разошлась по флоту
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	srv, _, _ := testServer(t, rdb)
	token := adminToken(t, srv)

	rec := doJSON(t, srv, "POST", "/v1/fleet/agents/translator-gpu-0/block", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
