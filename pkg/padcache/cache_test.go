package padcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/internal/protocol"
	"github.com/padloom/padloom/pkg/pad"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c, err := New(rdb, time.Hour)
	require.NoError(t, err)
	return c
}

func TestGetMissReturnsNotCached(t *testing.T) {
	c := testCache(t)
	_, err := c.Get(context.Background(), "nope")
	require.ErrorIs(t, err, coreerr.ErrNotCached)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	p := pad.Pad{
		ID: "p1", OwnerID: "owner", DisplayName: "My Pad",
		Sharing: pad.SharingPublic, Scene: pad.NewScene(),
	}
	p.Scene.Elements = []protocol.Element{{ID: "e1", Version: 1}}

	require.NoError(t, c.Put(ctx, p))

	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "My Pad", got.DisplayName)
	require.Len(t, got.Scene.Elements, 1)
	require.Equal(t, "e1", got.Scene.Elements[0].ID)
}

func TestPatchFieldIncrementalWrite(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	p := pad.Pad{ID: "p1", OwnerID: "owner", Scene: pad.NewScene()}
	require.NoError(t, c.Put(ctx, p))

	err := c.PatchField(ctx, "p1", func(p *pad.Pad) {
		p.Scene.Elements = []protocol.Element{{ID: "e1", Version: 2}}
	})
	require.NoError(t, err)

	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got.Scene.Elements, 1)
	require.Equal(t, int64(2), got.Scene.Elements[0].Version)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, pad.Pad{ID: "p1", Scene: pad.NewScene()}))
	require.NoError(t, c.Invalidate(ctx, "p1"))

	_, err := c.Get(ctx, "p1")
	require.ErrorIs(t, err, coreerr.ErrNotCached)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	p := pad.Pad{ID: "p1", Scene: pad.NewScene()}
	p.Scene.Elements = []protocol.Element{{ID: "e1", Version: 1}}
	require.NoError(t, c.Put(ctx, p))

	a, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	a.Scene.Elements[0].Version = 999

	b, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Scene.Elements[0].Version, "mutating one Get result must not affect another")
}

// The claim key is the source of truth for ownership, but the cached pad
// record must carry the current owner too: acquire writes it, release
// blanks it.
func TestWorkerClaimMirroredIntoRecord(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, pad.Pad{ID: "p1", OwnerID: "owner", Scene: pad.NewScene()}))

	ok, err := c.AcquireWorker(ctx, "p1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "worker-a", got.WorkerID)

	// A failed acquire by another worker must not touch the mirror.
	ok, err = c.AcquireWorker(ctx, "p1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	got, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "worker-a", got.WorkerID)

	released, err := c.ReleaseWorker(ctx, "p1", "worker-a")
	require.NoError(t, err)
	require.True(t, released)

	got, err = c.Get(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, got.WorkerID)
}

func TestWorkerAcquireReleaseIsSingleWriter(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	ok, err := c.AcquireWorker(ctx, "p1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A second worker cannot acquire while worker-a holds the claim.
	ok, err = c.AcquireWorker(ctx, "p1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// worker-a re-acquiring its own claim is idempotent.
	ok, err = c.AcquireWorker(ctx, "p1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// worker-b cannot release a claim it doesn't own.
	released, err := c.ReleaseWorker(ctx, "p1", "worker-b")
	require.NoError(t, err)
	require.False(t, released)

	current, err := c.CurrentWorker(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "worker-a", current)

	released, err = c.ReleaseWorker(ctx, "p1", "worker-a")
	require.NoError(t, err)
	require.True(t, released)

	current, err = c.CurrentWorker(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, current)

	// Now worker-b can acquire.
	ok, err = c.AcquireWorker(ctx, "p1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
