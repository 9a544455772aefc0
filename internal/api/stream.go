package api

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a websocket and forwards conversation updates,
// optionally filtered by ?conversation_id=. A client too slow to keep up is
// disconnected by the hub.
func handleStream(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Hub == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "live updates are not enabled")
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		sub := deps.Hub.Subscribe(r.URL.Query().Get("conversation_id"))
		defer sub.Close()

		// Reads are not expected; CloseRead handles control frames.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case u, ok := <-sub.C():
				if !ok {
					conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
					return
				}
				wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
				err := wsjson.Write(wctx, conn, u)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}
