package middleware

import (
	"github.com/gin-gonic/gin"

	"membersite/internal/session"
)

// SessionFromContext returns the session named by the request's "session"
// field, or nil when it is missing, expired or evicted.
func SessionFromContext(c *gin.Context) *session.Session {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*session.Session)
	return sess
}

// LoadSession resolves the "session" field against store. It never rejects
// a request; handlers decide what an absent session means.
func LoadSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := Field(c, "session"); id != "" {
			if sess, ok := store.Lookup(id); ok {
				c.Set(sessionContextKey, sess)
			}
		}
		c.Next()
	}
}
