package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/aifleet-control-plane/internal/domain"
)

// ScopeFleetAdmin требуется для всех мутирующих операций control plane.
const ScopeFleetAdmin = "fleet.admin"

// BaseValidator содержит общую логику проверки и выпуска HS256 токенов.
// Секрет симметричный: control plane — единственный, кто и подписывает,
// и проверяет, поэтому RSA здесь избыточен.
type BaseValidator struct {
	secret []byte
}

func NewBaseValidator(secret []byte) *BaseValidator {
	return &BaseValidator{secret: secret}
}

// VerifyToken проверяет JWT токен оператора.
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.OperatorClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &domain.OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*domain.OperatorClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	return claims, nil
}

// IssueToken подписывает токен оператора на заданный срок.
func (v *BaseValidator) IssueToken(operatorID string, scopes map[string]bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &domain.OperatorClaims{
		OperatorID: operatorID,
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   operatorID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// CheckPassword сверяет пароль оператора с bcrypt-хэшем из конфига.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
