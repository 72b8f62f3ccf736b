package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
	"github.com/xela07ax/aifleet-control-plane/internal/infra"
	"github.com/xela07ax/aifleet-control-plane/internal/infra/auth"
	"github.com/xela07ax/aifleet-control-plane/internal/lease"
	"github.com/xela07ax/aifleet-control-plane/internal/registry"
	"github.com/xela07ax/aifleet-control-plane/internal/telemetry"
)

// Server — операторский периметр fleetd: логин, обзор флота,
// kill-switch, принудительный возврат лиз и раскатка трафика.
// Все мутации требуют scope fleet.admin.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	validator *auth.BaseValidator
	registry  *registry.Service
	arbiter   *lease.Arbiter
	bus       *telemetry.Bus
}

func NewServer(
	cfg *infra.Config,
	validator *auth.BaseValidator,
	reg *registry.Service,
	arbiter *lease.Arbiter,
	bus *telemetry.Bus,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("admin-api"),
		cfg:       cfg,
		validator: validator,
		registry:  reg,
		arbiter:   arbiter,
		bus:       bus,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Публичный периметр: логин и проба живости.
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// Защищенный периметр.
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Route("/v1/fleet", func(r chi.Router) {
			r.Get("/agents", s.listAgents)
			r.Get("/leases", s.listLeases)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeFleetAdmin))

				r.Post("/agents/{name}/block", s.blockAgent(true))
				r.Post("/agents/{name}/unblock", s.blockAgent(false))
				r.Post("/leases/{id}/release", s.forceRelease)
				r.Post("/router/frontends/{port}/traffic", s.setTraffic)
			})
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Не уточняем, что именно неверно (логин или пароль).
	if req.Username != s.cfg.Auth.OperatorUser ||
		auth.CheckPassword(s.cfg.Auth.OperatorPassHash, req.Password) != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ttl := s.cfg.Auth.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := s.validator.IssueToken(req.Username, map[string]bool{auth.ScopeFleetAdmin: true}, ttl)
	if err != nil {
		s.logger.Error("failed to issue token", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, domain.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) listLeases(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"leased_mb": s.arbiter.LeasedMB(),
		"leases":    s.arbiter.Snapshot(),
	})
}

func (s *Server) blockAgent(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.registry.BlockAgent(r.Context(), name, blocked); err != nil {
			s.logger.Error("kill-switch toggle failed", zap.String("agent", name), zap.Error(err))
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
		operator, _ := auth.ClaimsFromContext(r.Context())
		s.logger.Warn("kill-switch toggled",
			zap.String("agent", name),
			zap.Bool("blocked", blocked),
			zap.String("operator", operatorID(operator)))
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"agent": name, "blocked": blocked})
	}
}

func (s *Server) forceRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.arbiter.Release(id)
	// Release идемпотентен: неизвестный id — тоже успех.
	s.writeJSON(w, http.StatusOK, map[string]string{"lease_id": id, "status": "released"})
}

// setTraffic публикует команду раскатки на шину; роутер применит ее
// к следующему же запросу. Тело: {"percent": N}.
func (s *Server) setTraffic(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		http.Error(w, "bad frontend port", http.StatusBadRequest)
		return
	}

	var req struct {
		Percent int `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		http.Error(w, "percent must be in [0,100]", http.StatusBadRequest)
		return
	}

	if s.bus != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		cmd := domain.TrafficCommand{FrontendPort: port, Percent: req.Percent}
		if err := s.bus.Publish(ctx, infra.BusChanRouter, cmd); err != nil {
			http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	s.cfg.SetLiveTrafficPercent(port, req.Percent)

	s.writeJSON(w, http.StatusOK, map[string]int{"frontend_port": port, "percent": req.Percent})
}

func operatorID(claims *domain.OperatorClaims) string {
	if claims == nil {
		return "unknown"
	}
	return claims.OperatorID
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Клиент уже получил заголовки, остается только залогировать
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
