package router

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/wire"
)

// frameEcho — фейковый бэкенд: отвечает на каждый кадр префиксом + телом.
func frameEcho(t *testing.T, prefix string) (port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					req, err := wire.ReadFrame(c)
					if err != nil {
						return
					}
					if err := wire.WriteFrame(c, append([]byte(prefix), req...)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(fe infra.FrontendConfig) *infra.Config {
	return &infra.Config{
		Router: infra.RouterConfig{
			ForwardTimeout: 2 * time.Second,
			Frontends: map[string]infra.FrontendConfig{
				strconv.Itoa(fe.FrontendPort): fe,
			},
		},
	}
}

func TestWeightedDistribution(t *testing.T) {
	fe := infra.FrontendConfig{
		FrontendPort:      9100,
		LegacyBackendPort: 1,
		NewBackendPort:    2,
		TrafficPercentNew: 30,
	}
	rt := New(testConfig(fe), nil, zap.NewNop(), nil)

	const total = 10000
	toNew := 0
	for i := 0; i < total; i++ {
		_, generation := rt.pickBackend(fe)
		if generation == "new" {
			toNew++
		}
	}

	// 30% +- статистический допуск
	share := float64(toNew) / total * 100
	require.Greater(t, share, 27.0)
	require.Less(t, share, 33.0)
}

func TestPercentBoundaries(t *testing.T) {
	fe := infra.FrontendConfig{FrontendPort: 9101, LegacyBackendPort: 1, NewBackendPort: 2, TrafficPercentNew: 0}
	rt := New(testConfig(fe), nil, zap.NewNop(), nil)

	// 0% — всё в легаси даже при минимальном броске
	rt.dice = func() int { return 1 }
	_, generation := rt.pickBackend(fe)
	require.Equal(t, "legacy", generation)

	// 100% — всё в новый даже при максимальном броске
	fe.TrafficPercentNew = 100
	rt = New(testConfig(fe), nil, zap.NewNop(), nil)
	rt.dice = func() int { return 100 }
	_, generation = rt.pickBackend(fe)
	require.Equal(t, "new", generation)
}

func TestForwardRelaysFramesVerbatim(t *testing.T) {
	legacyPort := frameEcho(t, "legacy:")
	newPort := frameEcho(t, "new:")

	fe := infra.FrontendConfig{
		FrontendPort:      9102,
		LegacyBackendPort: legacyPort,
		NewBackendPort:    newPort,
		TrafficPercentNew: 100, // Детерминированно в новый
	}
	rt := New(testConfig(fe), nil, zap.NewNop(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.ServeListener(ctx, fe, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Тело с нулевыми байтами: роутер не имеет права его трогать
	payload := []byte("translate\x00\x01\xFF{\"text\":\"hi\"}")
	require.NoError(t, wire.WriteFrame(conn, payload))

	reply, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, append([]byte("new:"), payload...), reply)

	// Второй запрос по тому же клиентскому соединению
	require.NoError(t, wire.WriteFrame(conn, []byte("ping")))
	reply, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, []byte("new:ping"), reply)
}

type staticResolver struct {
	agents map[string]domain.AgentIdentity
}

func (r *staticResolver) Lookup(_ context.Context, name string) (domain.AgentIdentity, error) {
	identity, ok := r.agents[name]
	if !ok {
		return domain.AgentIdentity{}, domain.ErrNotFound
	}
	return identity, nil
}

func TestBackendAddressResolvedThroughRegistry(t *testing.T) {
	fe := infra.FrontendConfig{
		FrontendPort:      9104,
		LegacyBackendPort: 1, // Заведомо нерабочие порты из конфига
		NewBackendPort:    2,
		TrafficPercentNew: 100,
		NewAgent:          "translator-new",
	}
	resolver := &staticResolver{agents: map[string]domain.AgentIdentity{
		"translator-new": {Name: "translator-new", Host: "10.0.0.7", MainPort: 7070},
	}}
	rt := New(testConfig(fe), resolver, zap.NewNop(), nil)
	rt.dice = func() int { return 1 }

	addr, generation := rt.pickBackend(fe)
	require.Equal(t, "new", generation)
	require.Equal(t, "10.0.0.7:7070", addr)
}

func TestBackendFallsBackToConfigWhenRegistryFails(t *testing.T) {
	fe := infra.FrontendConfig{
		FrontendPort:      9105,
		BackendHost:       "127.0.0.1",
		LegacyBackendPort: 6060,
		NewBackendPort:    2,
		TrafficPercentNew: 0,
		LegacyAgent:       "translator-legacy", // В реестре такого нет
	}
	rt := New(testConfig(fe), &staticResolver{}, zap.NewNop(), nil)
	rt.dice = func() int { return 100 }

	addr, generation := rt.pickBackend(fe)
	require.Equal(t, "legacy", generation)
	require.Equal(t, "127.0.0.1:6060", addr)
}

func TestPercentIsReadFreshPerRequest(t *testing.T) {
	legacyPort := frameEcho(t, "legacy:")
	newPort := frameEcho(t, "new:")

	fe := infra.FrontendConfig{
		FrontendPort:      9103,
		LegacyBackendPort: legacyPort,
		NewBackendPort:    newPort,
		TrafficPercentNew: 0,
	}
	cfg := testConfig(fe)
	rt := New(cfg, nil, zap.NewNop(), nil)
	rt.dice = func() int { return 50 }

	_, generation := rt.pickBackend(fe)
	require.Equal(t, "legacy", generation)

	// Оператор поднял процент — следующий же запрос видит новое значение
	updated := fe
	updated.TrafficPercentNew = 80
	cfg.Router.Frontends[strconv.Itoa(fe.FrontendPort)] = updated

	_, generation = rt.pickBackend(fe)
	require.Equal(t, "new", generation)
}
