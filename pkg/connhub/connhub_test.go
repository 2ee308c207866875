package connhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/padloom/padloom/internal/protocol"
	"github.com/padloom/padloom/pkg/eventbus"
	"github.com/padloom/padloom/pkg/pad"
	"github.com/padloom/padloom/pkg/padcache"
	"github.com/padloom/padloom/pkg/padstore"
	"github.com/padloom/padloom/pkg/reconciler"
)

type testServer struct {
	hub   *Hub
	cache *padcache.Cache
	store *padstore.Store
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bus := eventbus.NewWithClient(rdb, eventbus.Config{
		StreamExpiry: time.Hour, StreamMaxLen: 1000, PresenceExpiry: time.Hour,
	})
	cache, err := padcache.New(rdb, time.Hour)
	require.NoError(t, err)
	store, err := padstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := reconciler.New(bus, cache, store, reconciler.Config{
		SaveInterval: time.Hour, WorkerTTL: time.Minute, ShutdownGrace: time.Second,
	})
	t.Cleanup(rec.Shutdown)

	hub := New(bus, cache, store, rec, Config{
		AccessRecheckInterval: 100 * time.Millisecond,
		PointerRatePerSec:     1000,
		PointerRateBurst:      1000,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/pad/", func(w http.ResponseWriter, r *http.Request) {
		padID := strings.TrimPrefix(r.URL.Path, "/ws/pad/")
		userID := r.URL.Query().Get("user")

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), conn, padID, userID, userID)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{hub: hub, cache: cache, store: store, srv: srv}
}

func (ts *testServer) seedPad(t *testing.T, p pad.Pad) {
	t.Helper()
	require.NoError(t, ts.store.Save(p))
}

func (ts *testServer) dial(t *testing.T, ctx context.Context, padID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/pad/" + padID + "?user=" + userID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func TestConnectedFrameListsPresence(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPad(t, pad.Pad{ID: "p1", OwnerID: "owner", Sharing: pad.SharingPublic, Scene: pad.NewScene()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := ts.dial(t, ctx, "p1", "alice")
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev protocol.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, protocol.EventConnected, ev.Type)
}

func TestSceneUpdateFansOutWithEchoSuppression(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPad(t, pad.Pad{ID: "p1", OwnerID: "owner", Sharing: pad.SharingPublic, Scene: pad.NewScene()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := ts.dial(t, ctx, "p1", "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := ts.dial(t, ctx, "p1", "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")

	// Drain each connection's "connected" frame.
	var connectedEv protocol.Event
	require.NoError(t, wsjson.Read(ctx, alice, &connectedEv))
	require.NoError(t, wsjson.Read(ctx, bob, &connectedEv))

	// bob may receive other durable frames (presence announcements) before
	// the scene_update, so read until we see it or time out.
	msg := map[string]interface{}{
		"type": "scene_update",
		"data": map[string]interface{}{
			"elements": []map[string]interface{}{
				{"id": "e1", "version": 1, "versionNonce": 1, "index": "a0"},
			},
		},
	}
	require.NoError(t, wsjson.Write(ctx, alice, msg))

	// bob should receive the scene_update forwarded.
	deadline := time.Now().Add(3 * time.Second)
	var sawSceneUpdate bool
	for time.Now().Before(deadline) && !sawSceneUpdate {
		readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		var ev protocol.Event
		err := wsjson.Read(readCtx, bob, &ev)
		readCancel()
		if err != nil {
			continue
		}
		if ev.Type == protocol.EventSceneUpdate {
			sawSceneUpdate = true
		}
	}
	require.True(t, sawSceneUpdate, "bob should have received alice's scene_update")

	// alice must not receive her own echo: any further read should time
	// out rather than return a scene_update.
	readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	var echoEv protocol.Event
	err := wsjson.Read(readCtx, alice, &echoEv)
	readCancel()
	if err == nil {
		require.NotEqual(t, protocol.EventSceneUpdate, echoEv.Type, "alice must not see her own scene_update echoed back")
	}
}

func TestInvalidJSONGetsErrorFrame(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPad(t, pad.Pad{ID: "p1", OwnerID: "owner", Sharing: pad.SharingPublic, Scene: pad.NewScene()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := ts.dial(t, ctx, "p1", "alice")
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev protocol.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, protocol.EventConnected, ev.Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, protocol.EventError, ev.Type)
}

func TestUnknownEventTypeGetsErrorFrame(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPad(t, pad.Pad{ID: "p1", OwnerID: "owner", Sharing: pad.SharingPublic, Scene: pad.NewScene()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := ts.dial(t, ctx, "p1", "alice")
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev protocol.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, protocol.EventConnected, ev.Type)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]interface{}{"type": "frobnicate"}))

	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, protocol.EventError, ev.Type)
}

func TestAccessRevokedMidSessionForceDisconnects(t *testing.T) {
	ts := newTestServer(t)
	shared := pad.Pad{
		ID: "p1", OwnerID: "owner", Sharing: pad.SharingWhitelist,
		Whitelist: map[string]struct{}{"alice": {}},
		Scene:     pad.NewScene(),
	}
	ts.seedPad(t, shared)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := ts.dial(t, ctx, "p1", "alice")
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev protocol.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	require.Equal(t, protocol.EventConnected, ev.Type)

	// Revoke: drop alice from the whitelist in the cache the re-check reads.
	revoked := shared
	revoked.Whitelist = map[string]struct{}{}
	require.NoError(t, ts.cache.Put(ctx, revoked))

	// The access re-check (100ms here) must force-disconnect with 4003.
	var readErr error
	for {
		if _, _, readErr = conn.Read(ctx); readErr != nil {
			break
		}
	}
	require.Equal(t, websocket.StatusCode(CloseAccessDenied), websocket.CloseStatus(readErr))
}

func TestAccessDeniedClosesWithCode4003(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPad(t, pad.Pad{ID: "p2", OwnerID: "owner", Sharing: pad.SharingPrivate, Scene: pad.NewScene()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/pad/p2?user=mallory"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, readErr := conn.Read(ctx)
	require.Error(t, readErr)
	require.Equal(t, websocket.StatusCode(CloseAccessDenied), websocket.CloseStatus(readErr))
}

func TestPadNotFoundClosesWithCode4004(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/pad/ghost?user=alice"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, readErr := conn.Read(ctx)
	require.Error(t, readErr)
	require.Equal(t, websocket.StatusCode(ClosePadNotFound), websocket.CloseStatus(readErr))
}
