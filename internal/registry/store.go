package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
)

// Store — оперативный каталог агентов. Никакой персистентности: после
// рестарта реестра флот перерегистрируется сам, это штатный путь
// восстановления, а не сбой.
//
// Все операции по одному имени линеаризуемы (один RWMutex на каталог);
// записи принадлежат Store и наружу отдаются только копиями.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*domain.RegistryEntry
	window  time.Duration // Staleness: столько живем без heartbeat
	metrics *infra.Metrics
}

func NewStore(stalenessWindow time.Duration, metrics *infra.Metrics) *Store {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	if stalenessWindow <= 0 {
		stalenessWindow = 45 * time.Second
	}
	return &Store{
		entries: make(map[string]*domain.RegistryEntry),
		window:  stalenessWindow,
		metrics: metrics,
	}
}

// Register — идемпотентный upsert: повторная регистрация того же имени
// обновляет адрес и освежает last_seen, а не ругается.
// Возвращает true, если агент появился впервые.
func (s *Store) Register(identity domain.AgentIdentity, capabilities []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, exists := s.entries[identity.Name]
	if exists {
		entry.Identity = identity
		entry.Capabilities = append([]string(nil), capabilities...)
		entry.LastSeen = now
		return false
	}

	s.entries[identity.Name] = &domain.RegistryEntry{
		Identity:     identity,
		Capabilities: append([]string(nil), capabilities...),
		RegisteredAt: now,
		LastSeen:     now,
	}
	s.metrics.RegistrySize.Set(float64(len(s.entries)))
	return true
}

func (s *Store) Deregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	delete(s.entries, name)
	s.metrics.RegistrySize.Set(float64(len(s.entries)))
	return nil
}

// Lookup отдает копию записи. Протухшая запись из выдачи уже исчезла,
// даже если sweeper до нее еще не дошел.
func (s *Store) Lookup(name string) (domain.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[name]
	if !ok || s.stale(entry, time.Now()) {
		return domain.RegistryEntry{}, fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	return s.copyEntry(entry), nil
}

func (s *Store) Heartbeat(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	entry.LastSeen = time.Now()
	return nil
}

func (s *Store) List() []domain.RegistryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]domain.RegistryEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if s.stale(entry, now) {
			continue
		}
		out = append(out, s.copyEntry(entry))
	}
	return out
}

// Sweep выкидывает все протухшие записи и возвращает их имена.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []string
	for name, entry := range s.entries {
		if s.stale(entry, now) {
			delete(s.entries, name)
			dropped = append(dropped, name)
		}
	}
	if len(dropped) > 0 {
		s.metrics.RegistrySize.Set(float64(len(s.entries)))
		s.metrics.RegistryExpired.Add(float64(len(dropped)))
	}
	return dropped
}

func (s *Store) stale(entry *domain.RegistryEntry, now time.Time) bool {
	return now.Sub(entry.LastSeen) > s.window
}

func (s *Store) copyEntry(entry *domain.RegistryEntry) domain.RegistryEntry {
	cp := *entry
	cp.Capabilities = append([]string(nil), entry.Capabilities...)
	return cp
}
