// Package httpapi exposes the core's only inbound HTTP surface: the
// WebSocket upgrade endpoint and a health probe. Everything else (OIDC
// login, pad CRUD, static assets) is an external collaborator; this
// package defines the SessionResolver seam those collaborators must
// satisfy and wires it into the Connection Hub, without implementing it
// itself.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/padloom/padloom/pkg/connhub"
	"github.com/padloom/padloom/pkg/logging"
)

// SessionResolver resolves the session cookie named "session_id" to an
// authenticated user. It is an external collaborator: this module ships
// no OIDC or session-store implementation, only this seam. The matching
// seam for pad metadata is connhub.PadLoader.
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (userID, username string, err error)
}

// Router builds the chi mux for the core's HTTP surface.
func Router(hub *connhub.Hub, sessions SessionResolver) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", handleHealthz)
	r.Get("/ws/pad/{pad_id}", handleWS(hub, sessions))
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades /ws/pad/{pad_id} and hands the connection to the
// Hub. Authentication failures and missing sessions close with 4001; the
// socket must be accepted first since a WebSocket close code can only be
// sent on an already-established connection.
func handleWS(hub *connhub.Hub, sessions SessionResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		padID := chi.URLParam(r, "pad_id")

		cookie, err := r.Cookie("session_id")
		if err != nil {
			conn, acceptErr := websocket.Accept(w, r, nil)
			if acceptErr != nil {
				return
			}
			conn.Close(connhub.CloseNotAuthenticated, "authentication required")
			return
		}

		userID, username, err := sessions.Resolve(r.Context(), cookie.Value)
		if err != nil {
			conn, acceptErr := websocket.Accept(w, r, nil)
			if acceptErr != nil {
				return
			}
			conn.Close(connhub.CloseNotAuthenticated, "authentication required")
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			logging.Log.WithError(err).Warn("httpapi: websocket upgrade failed")
			return
		}

		hub.Serve(r.Context(), conn, padID, userID, username)
	}
}
