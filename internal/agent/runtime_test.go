package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
)

// fakeRegistry имитирует HTTP API каталога и считает вызовы.
type fakeRegistry struct {
	registers   atomic.Int64
	heartbeats  atomic.Int64
	deregisters atomic.Int64

	// При true каждый heartbeat отвечает 404 (реестр "забыл" агента)
	forgetful atomic.Bool
}

func (f *fakeRegistry) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/registry/agents", func(w http.ResponseWriter, r *http.Request) {
		f.registers.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /v1/registry/agents/{name}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.heartbeats.Add(1)
		if f.forgetful.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /v1/registry/agents/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.deregisters.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func testRuntime(t *testing.T, baseURL string) (*Runtime, *Endpoint) {
	t.Helper()

	logger := zap.NewNop()
	protector := resilience.NewProtector(&infra.Config{}, logger, infra.NewMetrics(nil))
	client := registry.NewClient(baseURL, protector, logger)

	ep := NewEndpoint(func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	}, time.Second, logger)
	health := NewHealthResponder(&ep.InFlight, logger)

	cfg := infra.AgentConfig{
		Name:              "translator-gpu-0",
		Host:              "127.0.0.1",
		MainPort:          7100,
		HealthPort:        7101,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	return NewRuntime(cfg, client, nil, nil, health, ep, logger), ep
}

func TestRuntimeRegistersAndHeartbeats(t *testing.T) {
	fake := &fakeRegistry{}
	srv := fake.server()
	defer srv.Close()

	rt, _ := testRuntime(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, rt.Start(ctx))
	assert.EqualValues(t, 1, fake.registers.Load())

	// Heartbeat-ы тикают в фоне
	require.Eventually(t, func() bool {
		return fake.heartbeats.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	rt.Stop()
	assert.EqualValues(t, 1, fake.deregisters.Load())
}

// Реестр после рестарта не знает агента: heartbeat получает 404 и агент
// обязан перерегистрироваться сам.
func TestRuntimeReRegistersWhenForgotten(t *testing.T) {
	fake := &fakeRegistry{}
	srv := fake.server()
	defer srv.Close()

	rt, _ := testRuntime(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rt.Start(ctx))
	fake.forgetful.Store(true)

	require.Eventually(t, func() bool {
		return fake.registers.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	rt.Stop()
}

func TestApplyBlockedTogglesEndpointAndHealth(t *testing.T) {
	fake := &fakeRegistry{}
	srv := fake.server()
	defer srv.Close()

	rt, ep := testRuntime(t, srv.URL)

	rt.applyBlocked(true)
	assert.True(t, ep.Blocked.Load())

	// Повторный сигнал о том же состоянии — no-op
	rt.applyBlocked(true)
	assert.True(t, ep.Blocked.Load())

	rt.applyBlocked(false)
	assert.False(t, ep.Blocked.Load())
}
