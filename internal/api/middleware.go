package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	authTypeBearer = "bearer"
	authTypeAPIKey = "apikey"
	authTypeKey    = "auth_type"
	subjectKey     = "subject"
)

// requireRole admits requests carrying an operator API key, or a bearer
// token whose role claims include role
func (s *Server) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			if err := s.auth.CheckAPIKey(apiKey); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid API key"})
				return
			}
			c.Set(authTypeKey, authTypeAPIKey)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Authorization header required"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid authorization format"})
			return
		}

		claims, err := s.auth.ParseToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid token"})
			return
		}
		if !claims.HasRole(role) {
			s.logger.Warn().
				Str("subject", claims.Subject).
				Str("required_role", role).
				Msg("Migration endpoint denied")
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "Role " + role + " required"})
			return
		}

		c.Set(authTypeKey, authTypeBearer)
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

func getAuthType(c *gin.Context) string {
	authType, _ := c.Get(authTypeKey)
	t, _ := authType.(string)
	return t
}
