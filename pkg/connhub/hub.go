// Package connhub implements the Connection Hub: one serving lifecycle
// per accepted WebSocket. Each connection authorizes against the pad,
// registers presence, ensures a reconciling worker exists, then runs
// four cooperative tasks (inbound handler, durable forwarder, pointer
// forwarder, access re-check) joined with errgroup so the first task to
// return governs teardown.
package connhub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/internal/protocol"
	"github.com/padloom/padloom/pkg/accessguard"
	"github.com/padloom/padloom/pkg/eventbus"
	"github.com/padloom/padloom/pkg/logging"
	"github.com/padloom/padloom/pkg/pad"
	"github.com/padloom/padloom/pkg/padcache"
	"github.com/padloom/padloom/pkg/reconciler"
)

// PadLoader supplies pad metadata on cache misses. *padstore.Store
// satisfies it directly; an external pad CRUD service can substitute its
// own implementation.
type PadLoader interface {
	Load(padID string) (pad.Pad, error)
}

// Close codes for the /ws/pad/{pad_id} endpoint.
const (
	CloseNotAuthenticated websocket.StatusCode = 4001
	CloseAccessDenied     websocket.StatusCode = 4003
	ClosePadNotFound      websocket.StatusCode = 4004
	CloseInternalError    websocket.StatusCode = 4000
)

// errAccessRevoked signals the access re-check task observed a denial;
// Serve uses it to select the 4003 close code.
var errAccessRevoked = errors.New("connhub: access revoked")

// Config bundles the Hub's tunables.
type Config struct {
	AccessRecheckInterval time.Duration
	PointerRatePerSec     float64
	PointerRateBurst      int
	MaxMessageSize        int64
}

// Hub runs the Connection Hub lifecycle for every accepted WebSocket. One
// Hub is shared across all connections in a process; it holds no
// per-connection state itself.
type Hub struct {
	bus   *eventbus.Bus
	cache *padcache.Cache
	store PadLoader
	rec   *reconciler.Reconciler
	cfg   Config
}

// New constructs a Hub.
func New(bus *eventbus.Bus, cache *padcache.Cache, store PadLoader, rec *reconciler.Reconciler, cfg Config) *Hub {
	return &Hub{bus: bus, cache: cache, store: store, rec: rec, cfg: cfg}
}

// Serve runs one connection's full lifecycle to completion: authorize,
// register, ensure a worker, fan out the four cooperative tasks, and tear
// down. It always closes conn before returning. userID/username come from
// the session already resolved by the caller; authentication itself is
// an external collaborator, see pkg/httpapi.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, padID, userID, username string) {
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}

	p, err := h.loadPad(ctx, padID)
	if errors.Is(err, coreerr.ErrNotFound) {
		conn.Close(ClosePadNotFound, "pad not found")
		return
	}
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Error("connhub: failed to load pad")
		conn.Close(CloseInternalError, "internal error")
		return
	}
	if !accessguard.CanAccess(p, userID) {
		conn.Close(CloseAccessDenied, "access denied")
		return
	}

	connectionID := uuid.NewString()
	log := logging.Log.WithField("pad_id", padID).
		WithField("user_id", userID).
		WithField("connection_id", logging.ShortID(connectionID))

	if err := h.bus.AddConnection(ctx, padID, userID, username, connectionID); err != nil {
		log.WithError(err).Warn("connhub: failed to register presence")
	}
	h.publishDurable(ctx, padID, protocol.EventUserJoined, userID, connectionID, protocol.UserJoinedData{Username: username})

	collaborators, err := h.bus.ListPresence(ctx, padID)
	if err != nil {
		log.WithError(err).Warn("connhub: failed to list presence for connected frame")
	}
	connectedData, _ := protocol.EncodeData(protocol.ConnectedData{CollaboratorsList: collaborators})
	connectedEvent := protocol.NewEvent(protocol.EventConnected, padID, userID, connectionID, connectedData)
	if err := wsjson.Write(ctx, conn, connectedEvent); err != nil {
		log.WithError(err).Warn("connhub: failed to send connected frame")
	}

	if err := h.rec.EnsureWorker(ctx, padID); err != nil {
		log.WithError(err).Error("connhub: failed to ensure pad worker")
	}

	log.Info("connhub: connection registered")

	g, gctx := errgroup.WithContext(ctx)
	limiter := rate.NewLimiter(rate.Limit(h.cfg.PointerRatePerSec), h.cfg.PointerRateBurst)

	g.Go(func() error { return h.inboundLoop(gctx, conn, padID, userID, connectionID, limiter) })
	g.Go(func() error { return h.durableForwardLoop(gctx, conn, padID, connectionID) })
	g.Go(func() error { return h.pointerForwardLoop(gctx, conn, padID, connectionID) })
	g.Go(func() error {
		err := h.accessRecheckLoop(gctx, padID, userID)
		if errors.Is(err, errAccessRevoked) {
			// Close before returning: returning cancels gctx, and a cancelled
			// context under the other tasks' pending reads makes the
			// websocket library drop the socket without a close frame.
			conn.Close(CloseAccessDenied, "access revoked")
		}
		return err
	})

	runErr := g.Wait()

	h.teardown(context.Background(), padID, userID, connectionID, log)

	switch {
	case errors.Is(runErr, errAccessRevoked):
		conn.Close(CloseAccessDenied, "access revoked")
	case runErr == nil || websocket.CloseStatus(runErr) == websocket.StatusNormalClosure:
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		log.WithError(runErr).Info("connhub: connection ended")
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// teardown removes presence, announces departure, and never propagates
// failures — it runs unconditionally regardless of why the four tasks
// stopped.
func (h *Hub) teardown(ctx context.Context, padID, userID, connectionID string, log *logrus.Entry) {
	if err := h.bus.RemoveConnection(ctx, padID, userID, connectionID); err != nil {
		log.WithError(err).Warn("connhub: failed to remove presence")
	}
	h.publishDurable(ctx, padID, protocol.EventUserLeft, userID, connectionID, protocol.UserLeftData{})
	log.Info("connhub: connection torn down")
}

// loadPad fetches pad metadata, preferring the cache and falling back to
// durable storage (seeding the cache on the way back, as every other
// cache-miss path in this core does).
func (h *Hub) loadPad(ctx context.Context, padID string) (pad.Pad, error) {
	p, err := h.cache.Get(ctx, padID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, coreerr.ErrNotCached) {
		return pad.Pad{}, err
	}

	p, err = h.store.Load(padID)
	if err != nil {
		return pad.Pad{}, err
	}
	if putErr := h.cache.Put(ctx, p); putErr != nil {
		logging.Log.WithField("pad_id", padID).WithError(putErr).Warn("connhub: failed to seed cache after store load")
	}
	return p, nil
}

// publishDurable builds and appends a durable event, logging (not
// failing the caller) if the bus is unavailable.
func (h *Hub) publishDurable(ctx context.Context, padID string, typ protocol.EventType, userID, connectionID string, payload interface{}) {
	data, err := protocol.EncodeData(payload)
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Error("connhub: failed to encode event payload")
		return
	}
	ev := protocol.NewEvent(typ, padID, userID, connectionID, data)
	if err := h.bus.AppendEvent(ctx, padID, ev); err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("connhub: failed to publish durable event")
	}
}
