package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ricochet1k/ghosttype/internal/realtime"
	"github.com/ricochet1k/ghosttype/internal/session"
)

var generateUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) generateWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := generateUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	logger := h.logger.With("conn_id", id)
	logger.Info("client connected", "remote", r.RemoteAddr)

	client := realtime.NewClient(id, conn, logger)
	h.hub.Register(client)
	defer h.hub.Unregister(id)
	go client.WriteLoop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	client.StartPing(ctx, h.pingInterval)

	inbound := make(chan session.Inbound)
	go readLoop(ctx, conn, h.pongWait, inbound, logger)

	sess := session.New(id, h.cfg, h.builder, client, h.logger)
	if err := sess.Serve(ctx, inbound); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session ended with error", "error", err)
	}
}

// readLoop decodes frames into inbound until the connection fails, then
// closes inbound. Frames that are not valid JSON are delivered with Err set.
// A peer that sends nothing and answers no ping for pongWait is dropped.
func readLoop(ctx context.Context, conn *websocket.Conn, pongWait time.Duration, inbound chan<- session.Inbound, logger *slog.Logger) {
	defer close(inbound)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		logger.Debug("received message", "size", len(raw), "head", head(raw, 200))

		var in session.Inbound
		if err := json.Unmarshal(raw, &in.Msg); err != nil {
			in = session.Inbound{Err: err}
		}
		select {
		case inbound <- in:
		case <-ctx.Done():
			return
		}
	}
}

func head(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
