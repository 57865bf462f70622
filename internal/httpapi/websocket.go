package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 10 * time.Second

// handleEventStream upgrades to a websocket and forwards the caller's hub
// subscription until either side goes away. Browsers cannot set headers on
// a websocket handshake, so the bearer token may also come from the
// access_token query parameter.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, "", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !hasAnyScope(claims.Scopes, "events:read", "tasks:read") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: events:read", correlationID)
		return
	}

	// subscribe before the handshake completes so nothing published after the
	// client sees the upgrade is missed
	sub := s.hub.Subscribe(claims.Subject)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	s.logger.Debug("event stream opened", "user_id", claims.Subject, "correlation_id", correlationID)

	// CloseRead discards client messages and cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				return
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logger.Debug("event stream write failed", "user_id", claims.Subject, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
