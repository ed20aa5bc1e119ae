package handler

import (
	"github.com/gin-gonic/gin"

	"membersite/internal/content"
	"membersite/internal/logging"
	"membersite/internal/middleware"
)

type ContentHandler struct {
	Content *content.Service
	Logger  logging.Logger
}

func (h *ContentHandler) GetSongs(c *gin.Context) {
	article, ok, err := h.Content.CurrentArticle(c.Request.Context())
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	if !ok {
		succeed(c, gin.H{"title": ""})
		return
	}
	succeed(c, gin.H{"title": article.Title, "text": article.Text, "songs": article.Songs})
}

func (h *ContentHandler) GetImageList(c *gin.Context) {
	images, err := h.Content.Images()
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"images": images})
}

func (h *ContentHandler) GetCalendarEvents(c *gin.Context) {
	events, err := h.Content.CalendarEvents(c.Request.Context(), middleware.Field(c, "year_month"))
	if err != nil {
		fail(c, h.Logger, err)
		return
	}
	succeed(c, gin.H{"events": events})
}
