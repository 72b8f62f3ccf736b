package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/journal"
)

type nopRecorder struct{}

func (nopRecorder) Record(journal.Kind, string, map[string]interface{}) {}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	store := NewStore(time.Minute, nil)
	svc := NewService(store, nil, nopRecorder{}, time.Second, zap.NewNop())
	h := NewHandler(svc, zap.NewNop())

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestRegistryHTTPRoundTrip(t *testing.T) {
	srv := newTestAPI(t)

	body, _ := json.Marshal(map[string]interface{}{
		"name":              "translator-0",
		"host":              "10.1.2.3",
		"port":              5555,
		"health_check_port": 5556,
		"capabilities":      []string{"translate"},
	})
	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// get_agent_endpoint возвращает ровно то, что регистрировали
	resp, err = http.Get(srv.URL + "/translator-0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ep endpointResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ep))
	require.Equal(t, "10.1.2.3", ep.Host)
	require.Equal(t, 5555, ep.Port)
	require.Equal(t, 5556, ep.HealthCheckPort)
}

func TestRegistryHTTPUnknownAgent(t *testing.T) {
	srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/never-registered")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.Equal(t, "not_found", e["error"])
}

func TestRegistryHTTPHeartbeatAndDeregister(t *testing.T) {
	srv := newTestAPI(t)

	body, _ := json.Marshal(map[string]interface{}{
		"name": "vision-1", "host": "10.0.0.2", "port": 6000,
	})
	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/vision-1/heartbeat", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/vision-1/", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// После дерегистрации heartbeat получает типизированный not_found
	resp, err = http.Post(srv.URL+"/vision-1/heartbeat", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
