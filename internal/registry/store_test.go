package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

func testIdentity(name string) domain.AgentIdentity {
	return domain.AgentIdentity{Name: name, Host: "10.0.0.5", MainPort: 5555, HealthPort: 5556}
}

func TestStoreRegisterLookupRoundTrip(t *testing.T) {
	s := NewStore(time.Minute, nil)

	s.Register(testIdentity("translator-0"), []string{"translate"})

	entry, err := s.Lookup("translator-0")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", entry.Identity.Host)
	require.Equal(t, 5555, entry.Identity.MainPort)
	require.Equal(t, 5556, entry.Identity.HealthPort)
	require.Equal(t, []string{"translate"}, entry.Capabilities)
}

func TestStoreLookupUnknownIsTypedNotFound(t *testing.T) {
	s := NewStore(time.Minute, nil)

	_, err := s.Lookup("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreRegisterIsIdempotentUpsert(t *testing.T) {
	s := NewStore(time.Minute, nil)

	joined := s.Register(testIdentity("vision-1"), []string{"vision"})
	require.True(t, joined)

	// Повторная регистрация обновляет адрес, а не ошибается
	moved := testIdentity("vision-1")
	moved.Host = "10.0.0.9"
	joined = s.Register(moved, []string{"vision", "ocr"})
	require.False(t, joined)

	entry, err := s.Lookup("vision-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", entry.Identity.Host)
	require.Equal(t, []string{"vision", "ocr"}, entry.Capabilities)
	require.Len(t, s.List(), 1)
}

func TestStoreDeregisterUnknown(t *testing.T) {
	s := NewStore(time.Minute, nil)

	err := s.Deregister("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreStaleEntryDisappears(t *testing.T) {
	s := NewStore(50*time.Millisecond, nil)

	s.Register(testIdentity("flaky"), nil)
	time.Sleep(80 * time.Millisecond)

	// Протухшая запись исчезает из выдачи еще до прохода sweeper-а
	_, err := s.Lookup("flaky")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, s.List())

	dropped := s.Sweep(time.Now())
	require.Equal(t, []string{"flaky"}, dropped)
}

func TestStoreHeartbeatRefreshesLastSeen(t *testing.T) {
	s := NewStore(100*time.Millisecond, nil)

	s.Register(testIdentity("steady"), nil)

	// Держим агента живым heartbeat-ами дольше staleness-окна
	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, s.Heartbeat("steady"))
	}

	_, err := s.Lookup("steady")
	require.NoError(t, err)

	// Без heartbeat-ов запись протухает
	time.Sleep(150 * time.Millisecond)
	_, err = s.Lookup("steady")
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = s.Heartbeat("ghost")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}
