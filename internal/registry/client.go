package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/resilience"
)

// BreakerName — имя предохранителя для вызовов к реестру.
const BreakerName = "registry"

// Client — HTTP-клиент каталога сервисов для агентов и роутера.
// Все вызовы идут через Resiliency Layer.
type Client struct {
	baseURL   string
	httpc     *http.Client
	protector *resilience.Protector
	logger    *zap.Logger
}

func NewClient(baseURL string, protector *resilience.Protector, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		httpc:     &http.Client{},
		protector: protector,
		logger:    logger.Named("registry-client"),
	}
}

func (c *Client) Register(ctx context.Context, identity domain.AgentIdentity, capabilities []string) error {
	req := registerRequest{
		Name:            identity.Name,
		Host:            identity.Host,
		Port:            identity.MainPort,
		HealthCheckPort: identity.HealthPort,
		Capabilities:    capabilities,
	}
	return c.protector.Call(ctx, BreakerName, "", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/registry/agents", req, nil)
	})
}

func (c *Client) Deregister(ctx context.Context, name string) error {
	return c.protector.Call(ctx, BreakerName, "", func(ctx context.Context) error {
		return c.do(ctx, http.MethodDelete, "/v1/registry/agents/"+name, nil, nil)
	})
}

// Heartbeat возвращает domain.ErrNotFound, если реестр нас не знает —
// например, после его рестарта. Правильная реакция — перерегистрация.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	return c.protector.Call(ctx, BreakerName, "", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/registry/agents/"+name+"/heartbeat", nil, nil)
	})
}

// Lookup резолвит агента в его сетевую точку.
func (c *Client) Lookup(ctx context.Context, name string) (domain.AgentIdentity, error) {
	var ep endpointResponse
	err := c.protector.Call(ctx, BreakerName, "", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/v1/registry/agents/"+name, nil, &ep)
	})
	if err != nil {
		return domain.AgentIdentity{}, err
	}
	return domain.AgentIdentity{
		Name:       name,
		Host:       ep.Host,
		MainPort:   ep.Port,
		HealthPort: ep.HealthCheckPort,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("registry call failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("registry: %w", domain.ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
