package domain

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims — полезная нагрузка операторского токена.
// Админ-операции control plane (block, force-release, traffic-split)
// требуют scope "fleet.admin".
type OperatorClaims struct {
	OperatorID string          `json:"operator_id"`
	Scopes     map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
