package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-nfc-pay/internal/payment"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The POS UI may be served from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes the current view, then every transition, until the
// session closes or the client goes away.
func (h *Handler) handleStream(c *gin.Context) {
	s := session(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("session", s.ID()), zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before snapshotting so no transition falls between the two.
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go readPump(conn, gone)

	v := s.View()
	if !write(conn, payment.Transition{From: v.Step, To: v.Step, At: time.Now().UTC(), View: v}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case t, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if !write(conn, t) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func write(conn *websocket.Conn, t payment.Transition) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(t) == nil
}

// readPump drains control frames and closes gone when the peer disconnects.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
