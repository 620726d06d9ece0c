package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades admin connections and streams pipeline events.
// snapshot, when set, is sent first so a new dashboard shows the current state.
func HandleWebSocket(hub *Hub, originPatterns []string, snapshot func() Message, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}
		defer conn.CloseNow()

		client := NewClient(hub, conn)
		if snapshot != nil {
			if data, err := json.Marshal(snapshot()); err == nil {
				client.send <- data
			}
		}
		client.Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
