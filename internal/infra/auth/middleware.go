package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

// TokenValidator — интерфейс, который реализует BaseValidator (или мок в тестах)
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const claimsKey ctxKey = "operator_claims"

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), claimsKey, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext достает клеймы, положенные Middleware-ом.
func ClaimsFromContext(ctx context.Context) (*domain.OperatorClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*domain.OperatorClaims)
	return claims, ok
}

// RequireScope — дополнительный барьер для мутирующих роутов.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || !claims.Scopes[scope] {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
