// Package auth identifies the client behind a request. The chat has no
// accounts: a user is the client address plus the session it started.
package auth

import (
	"errors"
	"strings"

	apperrors "bossdb_rag_go_backend/internal/errors"
	"bossdb_rag_go_backend/internal/services"

	"github.com/gin-gonic/gin"
)

const (
	clientAddrKey = "client_addr"
	sessionKey    = "session"
)

// ClientMiddleware stores the caller's address, preferring the first
// X-Forwarded-For hop when the app runs behind a proxy.
func ClientMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(clientAddrKey, clientAddr(c))
		c.Next()
	}
}

func clientAddr(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// ClientAddr returns the address set by ClientMiddleware.
func ClientAddr(c *gin.Context) string {
	if addr, ok := c.Get(clientAddrKey); ok {
		return addr.(string)
	}
	return clientAddr(c)
}

// SessionMiddleware resolves the :session_id path parameter (or the
// session_id query parameter) to a live chat session.
func SessionMiddleware(sessions *services.ChatSessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session_id")
		if sessionID == "" {
			sessionID = c.Query("session_id")
		}
		if sessionID == "" {
			apperrors.HandleError(c, apperrors.New400Error("session_id is required"))
			c.Abort()
			return
		}

		session, err := sessions.Get(sessionID)
		if err != nil {
			if errors.Is(err, services.ErrSessionNotFound) {
				apperrors.HandleError(c, apperrors.New404Error("Chat session not found"))
			} else {
				apperrors.HandleError(c, apperrors.New500Error(err))
			}
			c.Abort()
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// Session returns the session set by SessionMiddleware.
func Session(c *gin.Context) (*services.ChatSession, bool) {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	session, ok := value.(*services.ChatSession)
	return session, ok
}
