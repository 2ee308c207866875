// Package reconciler implements the Canvas Worker: the sole writer of
// authoritative scene state for each pad it owns. One Reconciler is
// constructed per process; it tracks which pads it currently owns and
// runs, per owned pad, a consumer goroutine tailing the pad's durable
// stream and a periodic-save goroutine flushing to the Pad Store.
package reconciler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/padloom/padloom/pkg/eventbus"
	"github.com/padloom/padloom/pkg/logging"
	"github.com/padloom/padloom/pkg/padcache"
	"github.com/padloom/padloom/pkg/padstore"
)

// Config bundles the Reconciler's tunables.
type Config struct {
	SaveInterval  time.Duration
	SaveJitter    time.Duration
	WorkerTTL     time.Duration
	ShutdownGrace time.Duration
}

// Reconciler is the Canvas Worker. Construct one per process and share it
// across every Connection Hub instance; it is safe for concurrent use.
type Reconciler struct {
	bus   *eventbus.Bus
	cache *padcache.Cache
	store *padstore.Store
	cfg   Config

	workerID string

	mu     sync.Mutex
	active map[string]*padWorker
}

// padWorker tracks the pair of goroutines owning one pad. stop is the
// cooperative "you've been removed from the active set" signal the
// consumer checks between read cycles; cancel is the forceful fallback
// used only if the consumer doesn't notice stop within ShutdownGrace.
// cursor is the last stream id the consumer read; only consumeLoop writes
// it, and StopPad reads it after done is closed.
type padWorker struct {
	cursor   string
	stop     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	saveStop context.CancelFunc
	saveDone chan struct{}
	dirty    bool
	dirtyMu  sync.Mutex
}

func (w *padWorker) markDirty() {
	w.dirtyMu.Lock()
	w.dirty = true
	w.dirtyMu.Unlock()
}

// takeDirty reports whether the consumer applied any event since the last
// save and clears the flag.
func (w *padWorker) takeDirty() bool {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	d := w.dirty
	w.dirty = false
	return d
}

// New constructs a Reconciler with a fresh worker identity.
func New(bus *eventbus.Bus, cache *padcache.Cache, store *padstore.Store, cfg Config) *Reconciler {
	return &Reconciler{
		bus:      bus,
		cache:    cache,
		store:    store,
		cfg:      cfg,
		workerID: uuid.NewString(),
		active:   make(map[string]*padWorker),
	}
}

// EnsureWorker claims ownership of padID if unowned or already owned by
// this process, then starts its consumer and periodic-save goroutines if
// they are not already running. Safe to call repeatedly (e.g. once per
// Connection Hub that joins the pad).
func (r *Reconciler) EnsureWorker(ctx context.Context, padID string) error {
	r.mu.Lock()
	if _, ok := r.active[padID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	ok, err := r.cache.AcquireWorker(ctx, padID, r.workerID, r.cfg.WorkerTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Another process already owns this pad; its own worker will
		// process updates, nothing further to do here.
		return nil
	}

	// Pin "latest" to a concrete stream id before returning, so events
	// appended right after EnsureWorker are not skipped by the consumer.
	start := "0"
	for {
		_, next, err := r.bus.ReadEvents(ctx, padID, start, 100, 0)
		if err != nil {
			start = eventbus.Latest
			break
		}
		if next == start {
			break
		}
		start = next
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[padID]; ok {
		return nil
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	saveCtx, saveCancel := context.WithCancel(context.Background())
	w := &padWorker{
		cursor:   start,
		stop:     make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
		saveStop: saveCancel,
		saveDone: make(chan struct{}),
	}
	r.active[padID] = w

	logging.Log.WithField("pad_id", padID).
		WithField("worker_id", logging.ShortID(r.workerID)).
		Info("reconciler: starting pad worker")

	go r.consumeLoop(consumeCtx, padID, w)
	go r.periodicSave(saveCtx, padID, w)
	go r.heartbeatWorker(consumeCtx, padID)
	return nil
}

// heartbeatWorker keeps this process's worker claim, and the pad's cache
// entry, alive for as long as it owns padID. AcquireWorker's TTL would
// otherwise expire mid-session on a long-lived, active pad and let
// another process steal ownership, violating single-writer-per-pad.
// Renewing the cache entry's TTL here too covers pads that are owned but
// quiet for a stretch longer than CACHE_EXPIRY; scene writes already
// renew it via PatchField, this is the idle-pad backstop.
func (r *Reconciler) heartbeatWorker(ctx context.Context, padID string) {
	interval := r.cfg.WorkerTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.cache.RenewWorker(renewCtx, padID, r.workerID, r.cfg.WorkerTTL)
			if err == nil {
				if ttlErr := r.cache.RenewTTL(renewCtx, padID); ttlErr != nil {
					logging.Log.WithField("pad_id", padID).WithError(ttlErr).Warn("reconciler: failed to renew cache entry TTL")
				}
			}
			cancel()
			if err != nil {
				logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: failed to renew worker claim")
			}
		}
	}
}

// StopPad releases ownership of padID, following the graceful shutdown
// protocol: stop accepting new work, cancel the periodic saver,
// perform one final save, give the consumer up to ShutdownGrace to exit
// on its own, force-cancel it otherwise, then drain any messages still
// sitting on the stream before releasing the worker claim.
func (r *Reconciler) StopPad(padID string) {
	r.mu.Lock()
	w, ok := r.active[padID]
	if ok {
		delete(r.active, padID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	log := logging.Log.WithField("pad_id", padID).WithField("worker_id", logging.ShortID(r.workerID))
	log.Info("reconciler: stopping pad worker")

	close(w.stop)

	w.saveStop()
	<-w.saveDone

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := r.savePad(saveCtx, padID); err != nil {
		log.WithError(err).Warn("reconciler: final save before stop failed")
	}
	saveCancel()

	select {
	case <-w.done:
		log.Debug("reconciler: consumer exited gracefully")
	case <-time.After(r.cfg.ShutdownGrace):
		log.Warn("reconciler: consumer did not exit in time, forcing cancellation")
		w.cancel()
		<-w.done
	}
	// Idempotent: stops the heartbeat goroutine even on the graceful
	// path, where the consumer exited via w.stop rather than ctx cancel.
	w.cancel()

	r.drainRemaining(padID, w.cursor)

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	released, err := r.cache.ReleaseWorker(releaseCtx, padID, r.workerID)
	releaseCancel()
	if err != nil {
		log.WithError(err).Warn("reconciler: failed to release worker claim")
	} else if !released {
		log.Debug("reconciler: worker claim already held by someone else, left untouched")
	}
}

// drainRemaining does one short, bounded best-effort read of whatever
// arrived on the stream between the consumer's final iteration and the
// worker-claim release, starting from the consumer's last cursor.
func (r *Reconciler) drainRemaining(padID, cursor string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, _, err := r.bus.ReadEvents(ctx, padID, cursor, 50, time.Second)
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: drain read failed")
		return
	}
	for _, ev := range events {
		r.applyEvent(ctx, padID, ev)
	}
}

// Shutdown stops every pad this process currently owns, used on process
// termination.
func (r *Reconciler) Shutdown() {
	r.mu.Lock()
	padIDs := make([]string, 0, len(r.active))
	for id := range r.active {
		padIDs = append(padIDs, id)
	}
	r.mu.Unlock()

	for _, id := range padIDs {
		r.StopPad(id)
	}
}

// consumeLoop tails the pad's durable stream from the moment it started
// owning the pad (the stream id EnsureWorker pinned, so only events
// appended from there on), applying each event to cached scene state as
// it arrives. History is deliberately not replayed across restarts:
// durability is the Pad Store's job and the stream is capped, so replay
// would double-apply updates.
func (r *Reconciler) consumeLoop(ctx context.Context, padID string, w *padWorker) {
	defer close(w.done)

	log := logging.Log.WithField("pad_id", padID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		events, next, err := r.bus.ReadEvents(ctx, padID, w.cursor, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("reconciler: stream read failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.cursor = next

		for _, ev := range events {
			r.applyEvent(ctx, padID, ev)
			w.markDirty()
		}

		select {
		case <-w.stop:
			return
		default:
		}
	}
}

// periodicSave flushes the pad's cached scene to durable storage on a
// jittered interval; jitter avoids every pad's saver waking in lockstep.
func (r *Reconciler) periodicSave(ctx context.Context, padID string, w *padWorker) {
	defer close(w.saveDone)

	for {
		jitter := time.Duration(0)
		if r.cfg.SaveJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(r.cfg.SaveJitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.SaveInterval + jitter):
		}

		if !w.takeDirty() {
			continue
		}
		saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.savePad(saveCtx, padID); err != nil {
			logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: periodic save failed")
		}
		cancel()
	}
}

// savePad writes the pad's current cached state through to the Pad
// Store. A cache miss means the pad was never written to (or was
// invalidated) and there is nothing to persist.
func (r *Reconciler) savePad(ctx context.Context, padID string) error {
	p, err := r.cache.Get(ctx, padID)
	if err != nil {
		return nil
	}
	return r.store.Save(p)
}
