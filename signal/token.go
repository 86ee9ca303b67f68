package signal

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// endpoint tokens gate who may claim a listening address on a signal server.
// HS256 over a shared secret is enough for self-hosted deployments.

func MintEndpointToken(secret string, endpoint string, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"endpoint": endpoint,
		"exp":      time.Now().Add(ttl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func VerifyEndpointToken(secret string, tokenString string) (string, error) {
	token, err := gojwt.Parse(tokenString, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	endpoint, _ := claims["endpoint"].(string)
	if endpoint == "" {
		return "", fmt.Errorf("token carries no endpoint")
	}
	return endpoint, nil
}

// TokenSource yields the token presented when listening on an endpoint.
type TokenSource interface {
	TokenForEndpoint(endpoint string) (string, error)
}

// HmacTokenSource mints tokens locally from the shared secret.
type HmacTokenSource struct {
	Secret string
	Ttl    time.Duration
}

func (self *HmacTokenSource) TokenForEndpoint(endpoint string) (string, error) {
	ttl := self.Ttl
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return MintEndpointToken(self.Secret, endpoint, ttl)
}

// NoTokenSource is for servers running with auth disabled.
type NoTokenSource struct{}

func (self *NoTokenSource) TokenForEndpoint(endpoint string) (string, error) {
	return "", nil
}
