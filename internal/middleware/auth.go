package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/makeasinger/rhythmdeck/internal/auth"
	"github.com/makeasinger/rhythmdeck/pkg/response"
)

// AuthMiddleware validates bearer tokens. With neither a verifier nor a
// secret configured it lets every request through.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // fallback for locally issued tokens
}

// NewAuthMiddleware creates auth middleware with JWKS verification and an
// optional HMAC fallback. Either argument may be empty.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// NewOpenAuthMiddleware returns middleware that performs no authentication.
func NewOpenAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{}
}

// Enabled reports whether requests are authenticated.
func (m *AuthMiddleware) Enabled() bool {
	return m.verifier != nil || m.jwtSecret != ""
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			return response.Unauthorized(c, "Missing or invalid authorization header")
		}

		if m.verifier != nil {
			claims, err := m.verifier.Validate(tokenString)
			if err == nil {
				c.Locals("userId", claims.UserID)
				c.Locals("email", claims.Email)
				return c.Next()
			}
			if m.jwtSecret == "" {
				return response.Unauthorized(c, "Invalid or expired token")
			}
		}

		claims, err := auth.ValidateLegacyToken(tokenString, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		return c.Next()
	}
}

// bearerToken reads the token from the Authorization header, or from the
// token query parameter for clients that cannot set headers (WebSocket,
// audio elements).
func bearerToken(c *fiber.Ctx) string {
	if header := c.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return c.Query("token")
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}
