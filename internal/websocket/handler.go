package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades the request and streams hub messages to it.
// originPatterns lists the browser origins allowed besides the request host.
func (h *Hub) HandleWebSocket(originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			h.logger.Warn("websocket accept", "error", err)
			return
		}
		client := NewClient(h, conn)
		client.Run(r.Context())
	}
}
