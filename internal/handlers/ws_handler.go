package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/middleware"
	"github.com/dayan73a/Kashless/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type WSHandler struct {
	hub      *stream.Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(hub *stream.Hub, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// Subscribe upgrades the connection and streams balance/transaction
// snapshots for the authenticated account until the client disconnects.
func (h *WSHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.UserIDFromContext(r.Context())
	if accountID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe(accountID)
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	// Reader only detects close; clients never send data.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.log.Debug().Err(err).Str("account_id", accountID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
