package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/jwt"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/response"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID      = "user_id"
	ContextDisplayName = "display_name"
	ContextRole        = "role"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	// IsTokenRevoked checks if a JWT token has been revoked/blacklisted
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// The token is read from the Authorization header, or from the "token" query
// parameter for WebSocket upgrades where browsers cannot set headers.
// If valid, it sets user_id, display_name and role in the Gin context.
// revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, reason := extractToken(c)
		if tokenString == "" {
			m.RecordAuthFailure(reason)
			response.FromError(c, apperrors.UnauthorizedError("Authorization token required"))
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			m.RecordAuthFailure("invalid_token")
			logger.FromContext(c.Request.Context()).Debug("Token rejected", zap.Error(err))
			response.FromError(c, apperrors.InvalidTokenError("Invalid token"))
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err != nil {
				// Fail-open: the signature already checked out
				logger.FromContext(c.Request.Context()).Warn("Token revocation check unavailable", zap.Error(err))
			} else if revoked {
				m.RecordAuthFailure("revoked")
				response.FromError(c, apperrors.InvalidTokenError("Token revoked"))
				c.Abort()
				return
			}
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDisplayName, claims.DisplayName)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

func extractToken(c *gin.Context) (token, reason string) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", "malformed_header"
		}
		return strings.TrimSpace(parts[1]), "malformed_header"
	}
	if token := c.Query("token"); token != "" {
		return token, ""
	}
	return "", "missing_token"
}

// UserID returns the authenticated user ID set by AuthMiddleware
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// DisplayName returns the authenticated display name set by AuthMiddleware
func DisplayName(c *gin.Context) string {
	return c.GetString(ContextDisplayName)
}
