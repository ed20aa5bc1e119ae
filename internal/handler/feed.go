package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"membersite/internal/admin"
	"membersite/internal/hub"
	"membersite/internal/logging"
	"membersite/internal/session"
)

// FeedHandler streams admin table edits to connected consoles.
type FeedHandler struct {
	Hub      *hub.Hub
	Sessions *session.Store
	Logger   logging.Logger
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serialises writes; gorilla connections allow one writer at a time.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *FeedHandler) Serve(c *gin.Context) {
	var sess *session.Session
	if id := c.Query("session"); id != "" {
		sess, _ = h.Sessions.Lookup(id)
	}
	g, err := admin.Guard(sess)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// The grant is re-checked on every event. A console whose session no
	// longer passes Guard is dropped.
	stillAdmin := func() bool {
		again, err := admin.Guard(sess)
		return err == nil && again.Email() == g.Email()
	}
	writer := &wsWriter{conn: ws}
	sub := h.Hub.Subscribe(admin.FeedTopic, writer, stillAdmin)
	h.Logger.Info(c.Request.Context(), "admin feed connected", "admin", g.Email())
	defer func() {
		h.Hub.Unsubscribe(sub)
		h.Logger.Info(c.Request.Context(), "admin feed closed", "admin", g.Email())
	}()

	ws.SetReadLimit(64 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(serverMessage{Type: "pong"})
			_ = writer.Write(out)
		}
	}
}
