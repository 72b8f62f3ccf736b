package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/journal"
)

// Recorder — то подмножество журнала, которое нужно реестру.
type Recorder interface {
	Record(kind journal.Kind, agentName string, detail map[string]interface{})
}

// Service связывает каталог с внешним миром: шлет сигналы членства в шину
// и фиксирует события в журнале. Сам каталог про Redis не знает.
type Service struct {
	store   *Store
	rdb     *redis.Client
	journal Recorder
	logger  *zap.Logger
	sweep   time.Duration
}

func NewService(store *Store, rdb *redis.Client, rec Recorder, sweepInterval time.Duration, logger *zap.Logger) *Service {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Service{
		store:   store,
		rdb:     rdb,
		journal: rec,
		logger:  logger.Named("registry"),
		sweep:   sweepInterval,
	}
}

func (s *Service) Register(ctx context.Context, identity domain.AgentIdentity, capabilities []string) error {
	joined := s.store.Register(identity, capabilities)

	if joined {
		s.journal.Record(journal.KindAgentRegistered, identity.Name, map[string]interface{}{
			"host":         identity.Host,
			"port":         identity.MainPort,
			"health_port":  identity.HealthPort,
			"capabilities": capabilities,
		})
		s.publishMembership(ctx, identity.Name, "joined")
		s.logger.Info("agent registered",
			zap.String("agent", identity.Name),
			zap.String("host", identity.Host),
			zap.Int("port", identity.MainPort))
	} else {
		s.logger.Debug("agent re-registered", zap.String("agent", identity.Name))
	}
	return nil
}

func (s *Service) Deregister(ctx context.Context, name string) error {
	if err := s.store.Deregister(name); err != nil {
		return err
	}
	s.journal.Record(journal.KindAgentDeregistered, name, nil)
	s.publishMembership(ctx, name, "left")
	s.logger.Info("agent deregistered", zap.String("agent", name))
	return nil
}

func (s *Service) Lookup(name string) (domain.RegistryEntry, error) {
	return s.store.Lookup(name)
}

func (s *Service) Heartbeat(name string) error {
	return s.store.Heartbeat(name)
}

func (s *Service) List() []domain.RegistryEntry {
	return s.store.List()
}

// BlockAgent — kill-switch: сигнал уходит в шину, агент сам перестает
// принимать бизнес-запросы. Рестарты и снятие блокировки — забота оператора.
func (s *Service) BlockAgent(ctx context.Context, name string, blocked bool) error {
	verb := "true"
	if !blocked {
		verb = "false"
	}

	// Set в Redis — чтобы поздно стартовавший агент увидел блокировку при Init
	var err error
	if blocked {
		err = s.rdb.SAdd(ctx, infra.BusKeyBlockedAgents, name).Err()
	} else {
		err = s.rdb.SRem(ctx, infra.BusKeyBlockedAgents, name).Err()
	}
	if err != nil {
		return fmt.Errorf("kill-switch state update failed: %w", err)
	}

	payload := fmt.Sprintf("%s:%s", name, verb)
	if err := s.rdb.Publish(ctx, infra.BusChanKillSwitch, payload).Err(); err != nil {
		s.logger.Warn("kill-switch signal delivery failed", zap.Error(err))
	}

	s.logger.Info("kill-switch toggled", zap.String("agent", name), zap.Bool("blocked", blocked))
	return nil
}

// StartSweeper запускает фоновую чистку протухших записей.
func (s *Service) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, name := range s.store.Sweep(now) {
				// Протухший агент пропадает из discovery; рестартовать его
				// чужая обязанность, мы только сообщаем
				s.journal.Record(journal.KindAgentExpired, name, nil)
				s.publishMembership(ctx, name, "left")
				s.logger.Warn("agent expired: missed heartbeats", zap.String("agent", name))
			}
		}
	}
}

func (s *Service) publishMembership(ctx context.Context, name, event string) {
	if s.rdb == nil {
		return
	}
	payload := fmt.Sprintf("%s:%s", name, event)
	if err := s.rdb.Publish(ctx, infra.BusChanMembership, payload).Err(); err != nil {
		// Шина лежит — каталог продолжает работать, сигнал просто потерян
		s.logger.Warn("membership signal delivery failed", zap.Error(err))
	}
}
