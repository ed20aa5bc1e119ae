// Package handler holds the gin handlers behind /api. Every domain outcome
// is answered with HTTP 200 and a JSON body carrying "success" and, when
// there is something to tell the visitor, "message".
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"membersite/internal/account"
	"membersite/internal/admin"
	"membersite/internal/logging"
	"membersite/internal/workflow"
)

const (
	MsgGeneric   = "Something went wrong, please try again later."
	MsgWrongCode = "The code you entered is incorrect."
)

type userFacing interface {
	UserMessage() string
}

func succeed(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

// refuse answers a request the handler itself rejected.
func refuse(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{"success": false, "message": message})
}

// fail answers a failed operation. Errors meant for the visitor keep their
// text, authorization failures stay neutral, anything else is logged and
// reported generically.
func fail(c *gin.Context, logger logging.Logger, err error) {
	failWith(c, logger, err, nil)
}

func failWith(c *gin.Context, logger logging.Logger, err error, extra gin.H) {
	body := gin.H{"success": false}
	for k, v := range extra {
		body[k] = v
	}

	var uf userFacing
	switch {
	case errors.As(err, &uf):
		body["message"] = uf.UserMessage()
	case errors.Is(err, account.ErrNotAuthorized), errors.Is(err, admin.ErrForbidden):
	case errors.Is(err, workflow.ErrCodeMismatch):
		body["message"] = MsgWrongCode
	default:
		logger.Error(c.Request.Context(), "request failed", "route", c.FullPath(), "error", err)
		_ = c.Error(err)
		body["message"] = MsgGeneric
	}
	c.JSON(http.StatusOK, body)
}
