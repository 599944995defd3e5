package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/makeasinger/rhythmdeck/internal/config"
)

var errInvalidToken = errors.New("invalid token")

// TokenVerifier checks a bearer token and returns its caller.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
}

// Claims identify the caller of a token issued by the identity provider.
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier checks RS256/ES256 tokens against a remote key set.
type JWKSVerifier struct {
	keys   jwt.Keyfunc
	parser *jwt.Parser
}

// NewJWKSVerifier loads the key set named by cfg. The key set URL comes from
// cfg.JWKSURL, or from the issuer's discovery document.
func NewJWKSVerifier(cfg *config.AuthConfig) (*JWKSVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := cfg.JWKSURL
	if url == "" {
		if cfg.Issuer == "" {
			return nil, errors.New("auth issuer or jwks url is required")
		}
		var err error
		if url, err = discoverJWKSURL(ctx, cfg.Issuer); err != nil {
			return nil, fmt.Errorf("discover jwks url: %w", err)
		}
	}

	set, err := keyfunc.NewDefaultCtx(ctx, []string{url})
	if err != nil {
		return nil, fmt.Errorf("load jwks %s: %w", url, err)
	}
	return newVerifier(set.Keyfunc, cfg.Issuer, cfg.ClientID), nil
}

func newVerifier(keys jwt.Keyfunc, issuer, audience string) *JWKSVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWKSVerifier{keys: keys, parser: jwt.NewParser(opts...)}
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(issuer, "/")+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Validate returns the caller of tokenString.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, v.keys); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", errInvalidToken)
	}
	return claims, nil
}
