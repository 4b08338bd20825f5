package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────
// Bearer Token Authentication
//
// The read surface (health, stats, outcomes, the WebSocket feed) stays
// open; everything that changes engine behaviour sits behind this
// middleware, today just the breaker force-open/force-close overrides.
// The token comes from API_AUTH_TOKEN.
// ──────────────────────────────────────────────────────────────────────

// AuthMiddleware validates "Authorization: Bearer <token>" on protected
// routes. An empty API_AUTH_TOKEN disables the check entirely; release
// mode logs a startup warning so the gap cannot go unnoticed.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[API] WARNING: API_AUTH_TOKEN unset in release mode, breaker overrides are unauthenticated")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || bearer == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "bearer token required",
				"hint":  "Authorization: Bearer <API_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
