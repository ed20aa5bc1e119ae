package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"membersite/internal/admin"
	"membersite/internal/logging"
	"membersite/internal/middleware"
)

const msgMalformedRow = "The row data could not be read."

type AdminHandler struct {
	Editor   *admin.Editor
	MailAuth *admin.MailAuth
	Mailing  *admin.Mailing
	Logger   logging.Logger
}

// grant runs the admin guard. On refusal it answers the request itself.
func (h *AdminHandler) grant(c *gin.Context, extra gin.H) (admin.Grant, bool) {
	g, err := admin.Guard(middleware.SessionFromContext(c))
	if err != nil {
		failWith(c, h.Logger, err, extra)
		return admin.Grant{}, false
	}
	return g, true
}

func (h *AdminHandler) GetDatabase(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	tbl, err := h.Editor.ListTable(c.Request.Context(), g, middleware.Field(c, "table"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"columns": tbl.Columns, "rows": tbl.Rows, "types": tbl.Types})
}

func (h *AdminHandler) GetRowTitles(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	table := middleware.Field(c, "table")
	titles, err := h.Editor.ListTitles(c.Request.Context(), g, table)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"table": table, "titles": titles})
}

// AddRow expects "names" and "values" as JSON arrays of strings.
func (h *AdminHandler) AddRow(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	var names, values []string
	if json.Unmarshal([]byte(middleware.Field(c, "names")), &names) != nil ||
		json.Unmarshal([]byte(middleware.Field(c, "values")), &values) != nil {
		refuse(c, msgMalformedRow)
		return
	}
	id, row, err := h.Editor.InsertRow(c.Request.Context(), g, middleware.Field(c, "table"), names, values)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"message": fmt.Sprintf("Successfully added row %s.", id), "row": row})
}

func (h *AdminHandler) ChangeRow(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	id := middleware.Field(c, "id")
	err := h.Editor.UpdateField(c.Request.Context(), g, middleware.Field(c, "table"), id,
		middleware.Field(c, "name"), middleware.Field(c, "value"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"message": fmt.Sprintf("Successfully updated row %s.", id)})
}

func (h *AdminHandler) DeleteRow(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	id := middleware.Field(c, "id")
	if err := h.Editor.DeleteRow(c.Request.Context(), g, middleware.Field(c, "table"), id); err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"message": fmt.Sprintf("Successfully deleted row %s.", id), "id": id})
}

func (h *AdminHandler) MoveRowToEnd(c *gin.Context) {
	h.moveRow(c, h.Editor.MoveToEnd, "end")
}

func (h *AdminHandler) MoveRowToStart(c *gin.Context) {
	h.moveRow(c, h.Editor.MoveToStart, "start")
}

type moveFunc func(ctx context.Context, g admin.Grant, table, id string) (admin.Moved, error)

func (h *AdminHandler) moveRow(c *gin.Context, move moveFunc, where string) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	id := middleware.Field(c, "id")
	moved, err := move(c.Request.Context(), g, middleware.Field(c, "table"), id)
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{
		"message": fmt.Sprintf("Successfully moved row %s to %s.", moved.OldID, where),
		"row":     moved.Row,
		"old_id":  moved.OldID,
	})
}

func (h *AdminHandler) GetGmailAuthURL(c *gin.Context) {
	g, ok := h.grant(c, gin.H{"url": ""})
	if !ok {
		return
	}
	url, err := h.MailAuth.AuthURL(g)
	if err != nil {
		failWith(c, h.Logger, err, gin.H{"url": ""})
		return
	}
	succeed(c, gin.H{"url": url})
}

func (h *AdminHandler) SendGmailCode(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	err := h.MailAuth.Complete(c.Request.Context(), g, middleware.Field(c, "code"), middleware.Field(c, "state"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, nil)
}

// SendEmail mails every subscriber when "recipients" is "all_users", and
// "recipient" otherwise.
func (h *AdminHandler) SendEmail(c *gin.Context) {
	g, ok := h.grant(c, nil)
	if !ok {
		return
	}
	count, err := h.Mailing.Send(c.Request.Context(), g, admin.Announcement{
		AllUsers:  middleware.Field(c, "recipients") == "all_users",
		Recipient: middleware.Field(c, "recipient"),
		Subject:   middleware.Field(c, "subject"),
		Body:      middleware.Field(c, "body"),
	})
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"count": count})
}
