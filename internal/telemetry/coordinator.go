package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/journal"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
)

// Имена предохранителей: хабы отказывают независимо друг от друга.
const (
	BreakerPrimaryHub  = "hub-primary"
	BreakerFallbackHub = "hub-fallback"
)

// MetricsEnvelope — единица публикации: кто прислал и что именно.
type MetricsEnvelope struct {
	Agent     string                 `json:"agent"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Recorder — подмножество журнала для координатора.
type Recorder interface {
	Record(kind journal.Kind, agentName string, detail map[string]interface{})
}

// Coordinator — публикация телеметрии в два избыточных хаба.
// Состоянием (активный хаб, счетчик failover-ов) владеет единолично;
// снаружи оно доступно только копией через State().
//
// Failover липкий: переключившись на fallback, сидим на нем, пока не
// откажет ОН — немедленный возврат на прежний хаб устроил бы осцилляцию,
// когда тот моргает.
type Coordinator struct {
	mu        sync.Mutex
	primary   string
	fallback  string
	active    string
	failovers int64

	httpc     *http.Client
	protector *resilience.Protector
	metrics   *infra.Metrics
	journal   Recorder
	logger    *zap.Logger
}

func NewCoordinator(cfg infra.HubConfig, protector *resilience.Protector, rec Recorder, logger *zap.Logger, metrics *infra.Metrics) *Coordinator {
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Coordinator{
		primary:   cfg.PrimaryURL,
		fallback:  cfg.FallbackURL,
		active:    cfg.PrimaryURL,
		httpc:     &http.Client{Timeout: timeout},
		protector: protector,
		metrics:   metrics,
		journal:   rec,
		logger:    logger.Named("dual-hub"),
	}
}

// PublishMetrics пытается доставить снапшот: сначала в активный хаб,
// при неудаче — во второй. Успех на втором переключает активный и
// инкрементирует failover_count. Оба недоступны — false, данные дропаются:
// локальной буферизации этот слой не обещает.
func (c *Coordinator) PublishMetrics(ctx context.Context, env MetricsEnvelope) bool {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	first, second := c.order()

	if err := c.push(ctx, first, env); err == nil {
		return true
	} else {
		c.logger.Warn("active hub publish failed, trying peer",
			zap.String("hub", first),
			zap.Error(err))
	}

	if err := c.push(ctx, second, env); err != nil {
		c.metrics.PublishDropped.Inc()
		c.logger.Error("both hubs unreachable, metrics dropped",
			zap.String("agent", env.Agent))
		return false
	}

	c.failover(second)
	return true
}

// order возвращает (активный, запасной) на момент вызова.
func (c *Coordinator) order() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == c.primary {
		return c.primary, c.fallback
	}
	return c.fallback, c.primary
}

func (c *Coordinator) failover(to string) {
	c.mu.Lock()
	if c.active == to {
		c.mu.Unlock()
		return
	}
	c.active = to
	c.failovers++
	count := c.failovers
	c.mu.Unlock()

	c.metrics.HubFailovers.Inc()
	c.journal.Record(journal.KindHubFailover, "", map[string]interface{}{
		"active_hub":     to,
		"failover_count": count,
	})
	c.logger.Warn("telemetry hub failover",
		zap.String("new_active", to),
		zap.Int64("failover_count", count))
}

func (c *Coordinator) push(ctx context.Context, hubURL string, env MetricsEnvelope) error {
	breaker := BreakerPrimaryHub
	if hubURL == c.fallback {
		breaker = BreakerFallbackHub
	}

	return c.protector.Call(ctx, breaker, "", func(ctx context.Context) error {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL+"/v1/metrics", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("hub call failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("hub returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// State — моментальный снимок для админки и тестов.
func (c *Coordinator) State() domain.HubState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.HubState{
		PrimaryHubURL:  c.primary,
		FallbackHubURL: c.fallback,
		ActiveHubURL:   c.active,
		FailoverCount:  c.failovers,
	}
}
