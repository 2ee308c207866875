package padcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/pkg/logging"
)

// At most one worker may claim a pad at a time. Acquisition is a
// compare-and-set with a TTL so the claim stays safe under multi-process
// deployment and cannot outlive a crashed holder.

func workerKey(padID string) string { return "pad:worker:" + padID }

// releaseScript clears the worker key only if it still holds the
// caller's own id; another worker's claim is never force-cleared.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// AcquireWorker attempts to claim pad ownership for workerID, atomically.
// It returns true if this call won ownership, or if workerID already owns
// it (idempotent re-acquire; the claim's TTL is not extended, RenewWorker
// does that). A winning claim
// is also written into the cached pad record's worker id field, so the
// record shape carries the current owner.
func (c *Cache) AcquireWorker(ctx context.Context, padID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, workerKey(padID), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	if ok {
		c.mirrorWorker(ctx, padID, workerID)
		return true, nil
	}

	current, err := c.rdb.Get(ctx, workerKey(padID)).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	if current == workerID {
		c.mirrorWorker(ctx, padID, workerID)
		return true, nil
	}
	return false, nil
}

// RenewWorker extends the TTL on an existing worker claim, a no-op if
// workerID does not currently own the pad.
func (c *Cache) RenewWorker(ctx context.Context, padID, workerID string, ttl time.Duration) error {
	current, err := c.rdb.Get(ctx, workerKey(padID)).Result()
	if err == redis.Nil || current != workerID {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return c.rdb.Expire(ctx, workerKey(padID), ttl).Err()
}

// ReleaseWorker clears the worker claim iff it still names workerID;
// ownership mismatches are reported back, never force-cleared. A
// successful release also blanks the cached record's worker id field.
func (c *Cache) ReleaseWorker(ctx context.Context, padID, workerID string) (released bool, err error) {
	res, err := releaseScript.Run(ctx, c.rdb, []string{workerKey(padID)}, workerID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	if res != 1 {
		return false, nil
	}
	c.clearWorkerMirror(ctx, padID, workerID)
	return true, nil
}

// mirrorWorker writes the claim holder into the cached pad record. The
// claim key stays the source of truth for the compare-and-set; the
// record field is a best-effort mirror, written only around acquire and
// release, when the pad's own goroutines are not mutating the record.
func (c *Cache) mirrorWorker(ctx context.Context, padID, workerID string) {
	p, err := c.Get(ctx, padID)
	if errors.Is(err, coreerr.ErrNotCached) {
		return
	}
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("padcache: failed to read pad record for worker mirror")
		return
	}
	if p.WorkerID == workerID {
		return
	}
	p.WorkerID = workerID
	if err := c.Put(ctx, p); err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("padcache: failed to mirror worker claim into pad record")
	}
}

// clearWorkerMirror blanks the record's worker id iff it still names
// workerID; another worker's mirror is never cleared.
func (c *Cache) clearWorkerMirror(ctx context.Context, padID, workerID string) {
	p, err := c.Get(ctx, padID)
	if errors.Is(err, coreerr.ErrNotCached) {
		return
	}
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("padcache: failed to read pad record for worker release")
		return
	}
	if p.WorkerID != workerID {
		return
	}
	p.WorkerID = ""
	if err := c.Put(ctx, p); err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("padcache: failed to clear worker claim from pad record")
	}
}

// CurrentWorker returns the worker id currently claiming padID, or "" if
// unowned.
func (c *Cache) CurrentWorker(ctx context.Context, padID string) (string, error) {
	v, err := c.rdb.Get(ctx, workerKey(padID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", coreerr.ErrBusUnavailable, err)
	}
	return v, nil
}
