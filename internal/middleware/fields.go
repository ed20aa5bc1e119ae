package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	fieldsContextKey  = "fields"
	sessionContextKey = "session"
	maxBodyBytes      = 1 << 20
)

// Fields decodes the request body into a flat map of string fields and
// stores it in the context. JSON objects and url-encoded forms are both
// accepted; non-string JSON values keep their JSON text.
func Fields() gin.HandlerFunc {
	return func(c *gin.Context) {
		fields, err := parseFields(c)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "Malformed request."})
			c.Abort()
			return
		}
		c.Set(fieldsContextKey, fields)
		c.Next()
	}
}

func parseFields(c *gin.Context) (map[string]string, error) {
	fields := make(map[string]string)
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return fields, nil
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var raw map[string]json.RawMessage
		if err := json.NewDecoder(c.Request.Body).Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return fields, nil
			}
			return nil, err
		}
		for k, v := range raw {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				fields[k] = s
				continue
			}
			if string(v) != "null" {
				fields[k] = string(v)
			}
		}
		return fields, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}

// Field returns one request field, or "" when absent.
func Field(c *gin.Context, name string) string {
	fields, _ := c.Get(fieldsContextKey)
	m, _ := fields.(map[string]string)
	return m[name]
}
