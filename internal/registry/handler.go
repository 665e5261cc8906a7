package registry

import (
	"context"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// TokenVerifier authenticates a client token and resolves it to an
// identity handle. Implemented by the auth package.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (handle string, err error)
}

// Handler returns the websocket endpoint: authenticate the token from
// the query string, upgrade, and run the connection until it ends.
func Handler(reg *Registry, verifier TokenVerifier, hb HeartbeatConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		handle, err := verifier.Verify(r.Context(), token)
		if err != nil {
			logger.Warn("websocket auth rejected", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}

		c := NewConn(reg, NewWebsocketTransport(conn), handle, hb, logger)
		c.Run(r.Context())
	}
}
