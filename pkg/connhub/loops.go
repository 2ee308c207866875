package connhub

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/padloom/padloom/internal/protocol"
	"github.com/padloom/padloom/pkg/accessguard"
	"github.com/padloom/padloom/pkg/eventbus"
	"github.com/padloom/padloom/pkg/logging"
)

// inboundLoop is the first of the four per-connection tasks: receive
// text frames, JSON-decode into an event envelope, stamp
// server-authoritative fields (overwriting anything the client sent for
// them), and route
// pointer_update to the ephemeral channel and everything else to the
// durable stream. Invalid JSON gets an inline error reply; the loop
// continues rather than tearing down the connection.
func (h *Hub) inboundLoop(ctx context.Context, conn *websocket.Conn, padID, userID, connectionID string, limiter *rate.Limiter) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}

		var ev protocol.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			h.sendError(ctx, conn, "Invalid message format: must be valid JSON event envelope")
			continue
		}
		if !clientEventAllowed(ev.Type) {
			h.sendError(ctx, conn, "Invalid message format: unknown event type "+string(ev.Type))
			continue
		}

		ev.PadID = padID
		ev.UserID = userID
		ev.ConnectionID = connectionID
		ev.Timestamp = time.Now().UTC()

		if ev.Type == protocol.EventPointerUpdate {
			if !allowPointer(limiter) {
				continue // rate-limited: silently drop, client will send a fresher one soon
			}
			if err := h.bus.PublishPointer(ctx, padID, ev); err != nil {
				logging.Log.WithField("pad_id", padID).WithError(err).Warn("connhub: failed to publish pointer update")
			}
			continue
		}

		if err := h.bus.AppendEvent(ctx, padID, ev); err != nil {
			logging.Log.WithField("pad_id", padID).WithError(err).Warn("connhub: failed to append durable event")
		}
	}
}

// clientEventAllowed reports whether a client may originate events of
// this type. Presence announcements and server frames (connected, error,
// force_disconnect) are minted by the hub itself; a client submitting
// one is a payload error, answered with an inline error frame.
func clientEventAllowed(t protocol.EventType) bool {
	switch t {
	case protocol.EventSceneUpdate, protocol.EventAppStateUpdate, protocol.EventPointerUpdate:
		return true
	default:
		return false
	}
}

// allowPointer applies a non-blocking token-bucket check: reserve a
// token and give it back immediately if taking it would require waiting.
// High-frequency senders would otherwise dominate the pub/sub channel.
func allowPointer(limiter *rate.Limiter) bool {
	res := limiter.Reserve()
	if !res.OK() {
		return false
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false
	}
	return true
}

// sendError writes an inline {type:"error", ...} frame without tearing
// down the connection.
func (h *Hub) sendError(ctx context.Context, conn *websocket.Conn, message string) {
	data, _ := protocol.EncodeData(protocol.ErrorData{Message: message})
	ev := protocol.Event{Type: protocol.EventError, Timestamp: time.Now().UTC(), Data: data}
	if err := wsjson.Write(ctx, conn, ev); err != nil {
		logging.Log.WithError(err).Debug("connhub: failed to send inline error frame")
	}
}

// durableForwardLoop is the second task: tail the pad's durable stream
// from "latest", forwarding every event whose connection id differs from
// this connection's own (self-echo suppression).
func (h *Hub) durableForwardLoop(ctx context.Context, conn *websocket.Conn, padID, connectionID string) error {
	cursor := eventbus.Latest
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, next, err := h.bus.ReadEvents(ctx, padID, cursor, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Log.WithField("pad_id", padID).WithError(err).Warn("connhub: durable forwarder read failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		cursor = next

		for _, ev := range events {
			if ev.ConnectionID == connectionID {
				continue
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

// pointerForwardLoop is the third task: subscribe to the pad's ephemeral
// pointer channel and forward with the same echo suppression, no
// buffering obligation — pointer events may be dropped or reordered and
// clients must tolerate it.
func (h *Hub) pointerForwardLoop(ctx context.Context, conn *websocket.Conn, padID, connectionID string) error {
	sub := h.bus.SubscribePointer(ctx, padID)
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ev.ConnectionID == connectionID {
			continue
		}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return err
		}
	}
}

// accessRecheckLoop is the fourth task: re-evaluate the Access Guard
// every AccessRecheckInterval; on denial, publish force_disconnect so
// peers see a clean departure and return errAccessRevoked so the other
// three tasks are cancelled.
func (h *Hub) accessRecheckLoop(ctx context.Context, padID, userID string) error {
	ticker := time.NewTicker(h.cfg.AccessRecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p, err := h.loadPad(ctx, padID)
			if err != nil {
				logging.Log.WithField("pad_id", padID).WithError(err).Warn("connhub: access re-check failed to load pad")
				continue
			}
			if !accessguard.CanAccess(p, userID) {
				data, _ := protocol.EncodeData(protocol.ForceDisconnectData{Reason: "access revoked"})
				ev := protocol.NewEvent(protocol.EventForceDisconnect, padID, userID, "", data)
				if err := h.bus.AppendEvent(ctx, padID, ev); err != nil {
					logging.Log.WithField("pad_id", padID).WithError(err).Warn("connhub: failed to publish force_disconnect")
				}
				return errAccessRevoked
			}
		}
	}
}
