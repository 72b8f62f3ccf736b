package lease

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
)

func testProtector() *resilience.Protector {
	cfg := &infra.Config{
		Breakers: map[string]infra.BreakerConfig{
			BreakerName: {FailureThreshold: 100, TimeoutDuration: time.Second, RequestTimeout: 2 * time.Second},
		},
	}
	return resilience.NewProtector(cfg, zap.NewNop(), infra.NewMetrics(nil))
}

func testClient(serverURL string) *Client {
	cfg := infra.LeaseConfig{
		ServerAddr:    serverURL,
		RetryAttempts: 6,
		RetryBase:     5 * time.Millisecond, // Ускоряем тест, семантика та же
		RetryCap:      40 * time.Millisecond,
	}
	return NewClient(cfg, testProtector(), zap.NewNop())
}

func TestClientRetriesDenialThenAcquires(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n < 3 {
			// Две подряд нехватки бюджета с подсказкой
			_ = json.NewEncoder(w).Encode(domain.GpuLeaseReply{Granted: false, RetryAfterMS: 10})
			return
		}
		_ = json.NewEncoder(w).Encode(domain.GpuLeaseReply{Granted: true, LeaseID: "lease-42"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	leaseID, err := c.Acquire(context.Background(), domain.GpuLeaseRequest{
		Client: "translator", ModelName: "nmt-v2", VRAMEstimateMB: 2048, TTLSeconds: 60,
	})
	require.NoError(t, err)
	require.Equal(t, "lease-42", leaseID)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientHonorsServerRetryAfterFloor(t *testing.T) {
	var calls int32
	const serverFloor = 120 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_ = json.NewEncoder(w).Encode(domain.GpuLeaseReply{Granted: false, RetryAfterMS: serverFloor.Milliseconds()})
			return
		}
		_ = json.NewEncoder(w).Encode(domain.GpuLeaseReply{Granted: true, LeaseID: "lease-7"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)

	// Бэкофф клиента (5ms) меньше подсказки сервера: пауза обязана
	// растянуться минимум до retry_after_ms
	begin := time.Now()
	_, err := c.Acquire(context.Background(), domain.GpuLeaseRequest{
		Client: "translator", VRAMEstimateMB: 1024,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(begin), serverFloor)
}

func TestClientGivesUpAfterBoundedAttempts(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.GpuLeaseReply{Granted: false, RetryAfterMS: 1})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Acquire(context.Background(), domain.GpuLeaseRequest{Client: "hungry", VRAMEstimateMB: 9999})
	require.Error(t, err)

	var cErr *domain.CapacityError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, int32(6), atomic.LoadInt32(&calls), "default is six bounded attempts")
}

func TestClientAppliesClassDefaults(t *testing.T) {
	var got domain.GpuLeaseRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.GpuLeaseReply{Granted: true, LeaseID: "lease-1"})
	}))
	defer srv.Close()

	cfg := infra.LeaseConfig{
		ServerAddr:    srv.URL,
		RetryAttempts: 1,
		ClientClasses: map[string]infra.ClientClassConfig{
			"translator": {VRAMEstimateMB: 8000, TTL: 10 * time.Minute},
		},
	}
	c := NewClient(cfg, testProtector(), zap.NewNop())

	_, err := c.Acquire(context.Background(), domain.GpuLeaseRequest{Client: "translator", ModelName: "nmt-v2"})
	require.NoError(t, err)
	require.Equal(t, int64(8000), got.VRAMEstimateMB)
	require.Equal(t, 600, got.TTLSeconds)
}

func TestClientReleaseIdempotentOverHTTP(t *testing.T) {
	arb := testArbiter(1000)
	h := NewHandler(arb, zap.NewNop())

	mux := http.NewServeMux()
	mux.Handle("/v1/lease/", http.StripPrefix("/v1/lease", h.Routes()))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv.URL)

	leaseID, err := c.Acquire(context.Background(), domain.GpuLeaseRequest{Client: "c", VRAMEstimateMB: 100})
	require.NoError(t, err)

	require.NoError(t, c.Release(context.Background(), leaseID))
	require.NoError(t, c.Release(context.Background(), leaseID)) // Второй раз — тоже ok
	require.NoError(t, c.Release(context.Background(), "unknown-id"))
}
