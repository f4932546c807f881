package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"renderhub/config"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/shlex"
)

const (
	headerAPIKey = "X-API-Key"
	clientKey    = "client"
	defaultUser  = "default"
)

// ParseClientKeys reads AUTH_CLIENT_KEYS, a shell-quoted list of name=key
// pairs, into a name to key map.
func ParseClientKeys(raw string) (map[string]string, error) {
	fields, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid client key list: %w", err)
	}
	clients := make(map[string]string, len(fields))
	for _, f := range fields {
		name, key, ok := strings.Cut(f, "=")
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid client key entry %q, want name=key", f)
		}
		clients[name] = key
	}
	return clients, nil
}

func bearerToken(c *gin.Context) (string, bool) {
	if key := c.GetHeader(headerAPIKey); key != "" {
		return key, true
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

func keyMatches(token, key string) bool {
	return key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}

// AuthMiddleware accepts "Authorization: Bearer <key>" or X-API-Key with
// either AUTH_KEY or one of the client keys, and records the caller's name.
func AuthMiddleware(cfg *config.Config, log logr.Logger) gin.HandlerFunc {
	clients, err := ParseClientKeys(cfg.AuthClients)
	if err != nil {
		log.Error(err, "Ignoring AUTH_CLIENT_KEYS")
		clients = nil
	}

	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authorization header required"})
			return
		}

		client := ""
		if keyMatches(token, cfg.AuthKey) {
			client = defaultUser
		}
		for name, key := range clients {
			// Every client key is compared, matched or not.
			if keyMatches(token, key) && client == "" {
				client = name
			}
		}
		if client == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid token"})
			return
		}

		c.Set(clientKey, client)
		c.Next()
	}
}
