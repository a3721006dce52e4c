package gateway

import (
	"net/http"
	"strings"
)

// Handler multiplexes the three transports over one listener. Routing is
// by path prefix first, then by upgrade intent: /socket.io belongs to the
// socket.io server, any other WebSocket upgrade is a raw collab session,
// and plain HTTP falls through to the API router.
func Handler(api, socketio, collab http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/socket.io") {
			socketio.ServeHTTP(w, r)
			return
		}
		if isWebSocketUpgrade(r) {
			collab.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
