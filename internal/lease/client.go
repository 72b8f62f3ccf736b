package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
)

// BreakerName — имя предохранителя для вызовов к серверу аренды.
const BreakerName = "lease-server"

// Client — клиент арбитра VRAM. Сетевые отказы гасит Resiliency Layer
// (предохранитель на каждый заход), отказы по бюджету — собственный
// retry/backoff: экспонента от 250ms с потолком 2s, при этом подсказка
// сервера retry_after_ms работает как нижняя граница паузы.
type Client struct {
	baseURL   string
	httpc     *http.Client
	protector *resilience.Protector

	attempts uint
	base     time.Duration
	maxDelay time.Duration
	classes  map[string]infra.ClientClassConfig

	logger *zap.Logger
}

func NewClient(cfg infra.LeaseConfig, protector *resilience.Protector, logger *zap.Logger) *Client {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 6
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	maxDelay := cfg.RetryCap
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:   cfg.ServerAddr,
		httpc:     &http.Client{Timeout: 5 * time.Second},
		protector: protector,
		attempts:  uint(attempts),
		base:      base,
		maxDelay:  maxDelay,
		classes:   cfg.ClientClasses,
		logger:    logger.Named("lease-client"),
	}
}

// Acquire добивается аренды с ретраями. Возвращает lease_id.
func (c *Client) Acquire(ctx context.Context, req domain.GpuLeaseRequest) (string, error) {
	c.applyClassDefaults(&req)

	var leaseID string

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.base),
		retry.LastErrorOnly(true),
		// Умный расчет задержки: экспонента с потолком, но не раньше, чем
		// разрешил сервер. Потолок режет только экспоненту: retry.MaxDelay
		// здесь нельзя, он обрезал бы и подсказку retry_after_ms
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			backoff := retry.BackOffDelay(n, err, config)
			if backoff > c.maxDelay {
				backoff = c.maxDelay
			}

			var cErr *domain.CapacityError
			if errors.As(err, &cErr) && cErr.RetryAfter > backoff {
				return cErr.RetryAfter
			}
			return backoff
		}),
		// Открытый предохранитель ретраить бессмысленно — он и так fail-fast
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, resilience.ErrDependencyUnavailable) {
				return false
			}
			return true
		}),
	)

	err := r.Do(func() error {
		reply, err := c.acquireOnce(ctx, req)
		if err != nil {
			return err
		}
		if !reply.Granted {
			// Отказ по бюджету: превращаем в типизированную ошибку,
			// DelayType выше учтет подсказку сервера
			return &domain.CapacityError{
				Requested:  req.VRAMEstimateMB,
				RetryAfter: time.Duration(reply.RetryAfterMS) * time.Millisecond,
			}
		}
		leaseID = reply.LeaseID
		return nil
	})

	if err != nil {
		c.logger.Warn("lease acquisition failed after retries",
			zap.String("client", req.Client),
			zap.String("model", req.ModelName),
			zap.Error(err))
		return "", err
	}

	c.logger.Info("lease acquired",
		zap.String("lease_id", leaseID),
		zap.String("model", req.ModelName))
	return leaseID, nil
}

// acquireOnce — один заход на сервер под предохранителем. Отказ по бюджету
// для предохранителя НЕ отказ: сервер жив и ответил, считать это сбоем
// нельзя, иначе здоровая самозащита выбьет circuit.
func (c *Client) acquireOnce(ctx context.Context, req domain.GpuLeaseRequest) (*domain.GpuLeaseReply, error) {
	var reply domain.GpuLeaseReply

	err := c.protector.Call(ctx, BreakerName, "", func(ctx context.Context) error {
		return c.post(ctx, "/v1/lease/acquire", req, &reply)
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Release — идемпотентный возврат аренды. Ошибка сети здесь не фатальна:
// сервер все равно заберет VRAM по TTL.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil
	}

	var ack map[string]string
	err := c.protector.Call(ctx, BreakerName, "", func(ctx context.Context) error {
		return c.post(ctx, "/v1/lease/release", domain.GpuLeaseRelease{LeaseID: leaseID}, &ack)
	})
	if err != nil {
		c.logger.Warn("lease release failed, TTL will reclaim", zap.String("lease_id", leaseID), zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("lease server call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lease server returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// applyClassDefaults подставляет дефолтные объем и TTL класса клиента,
// если вызывающий их не задал явно.
func (c *Client) applyClassDefaults(req *domain.GpuLeaseRequest) {
	class, ok := c.classes[req.Client]
	if !ok {
		return
	}
	if req.VRAMEstimateMB <= 0 {
		req.VRAMEstimateMB = class.VRAMEstimateMB
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = int(class.TTL.Seconds())
	}
}
