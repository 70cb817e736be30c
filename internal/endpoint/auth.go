package endpoint

import (
	"fmt"
	"net/http"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/xzcli/gateway/internal/gwtypes"
)

const (
	defaultEndpointTokenDuration = 24 * time.Hour
	endpointTokenIssuer          = "mcp-gateway"
)

// authHeader mints a bearer JWT and wraps it as an Authorization header,
// when EndpointAuth.BearerFromEnv names an env var holding a signing
// key. Returns (nil, nil) when auth is not configured, grounded on
// kagenti-mcp-gateway/internal/session/jwt.go's JWTManager.
func authHeader(auth gwtypes.EndpointAuth) (http.Header, error) {
	if auth.BearerFromEnv == "" {
		return nil, nil
	}
	signingKey := os.Getenv(auth.BearerFromEnv)
	if signingKey == "" {
		return nil, fmt.Errorf("env var %s is empty", auth.BearerFromEnv)
	}

	duration := defaultEndpointTokenDuration
	if auth.SessionMins != 0 {
		duration = time.Duration(auth.SessionMins) * time.Minute
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    endpointTokenIssuer,
		Audience:  jwt.ClaimStrings{endpointTokenIssuer},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return nil, fmt.Errorf("sign endpoint auth token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signed)
	return header, nil
}
