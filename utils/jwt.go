package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"mailsync/config"
)

const continuationTokenTTL = 5 * time.Minute

// Claims carries either a user session or a continuation grant for one account.
type Claims struct {
	UserID       string `json:"user_id,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Continuation bool   `json:"continuation,omitempty"`
	jwt.RegisteredClaims
}

// GenerateUserToken issues an access token for the dashboard.
func GenerateUserToken(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return signClaims(claims)
}

// GenerateContinuationToken issues the short-lived token a sync run uses to
// re-invoke its own entry point for the same account.
func GenerateContinuationToken(accountID string) (string, error) {
	claims := &Claims{
		AccountID:    accountID,
		Continuation: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sync-continuation",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(continuationTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return signClaims(claims)
}

func signClaims(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.JWTSecret))
}

func ParseJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.JWTSecret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
