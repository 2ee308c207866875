package reconciler

import (
	"context"

	"github.com/padloom/padloom/internal/protocol"
	"github.com/padloom/padloom/pkg/logging"
	"github.com/padloom/padloom/pkg/pad"
	"github.com/padloom/padloom/pkg/scene"
)

// applyEvent dispatches one durable event to the handler for its type.
// Non-durable types (pointer_update, connected) never reach here — the
// Connection Hub publishes pointer_update to the ephemeral channel and
// writes connected straight to the client socket, bypassing AppendEvent
// entirely.
func (r *Reconciler) applyEvent(ctx context.Context, padID string, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventSceneUpdate:
		r.handleSceneUpdate(ctx, padID, ev)
	case protocol.EventAppStateUpdate:
		r.handleAppStateUpdate(ctx, padID, ev)
	default:
		// user_joined/user_left/error/force_disconnect are announcements,
		// not scene mutations; nothing for the worker to reconcile.
	}
}

// handleSceneUpdate merges one client's proposed elements into the
// cached authoritative scene, replaces the files map wholesale if the
// client sent one, and writes back only if something actually changed.
func (r *Reconciler) handleSceneUpdate(ctx context.Context, padID string, ev protocol.Event) {
	data, err := ev.DecodeSceneUpdate()
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: malformed scene_update")
		return
	}
	if len(data.Elements) == 0 && len(data.Files) == 0 {
		return
	}

	current, err := r.cache.Get(ctx, padID)
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: scene_update read failed")
		return
	}
	elements, elementsChanged := scene.Reconcile(current.Scene.Elements, data.Elements)
	files, filesChanged := scene.MergeFiles(current.Scene.Files, data.Files)
	if !elementsChanged && !filesChanged {
		return
	}

	err = r.cache.PatchField(ctx, padID, func(p *pad.Pad) {
		if elementsChanged {
			p.Scene.Elements = elements
		}
		if filesChanged {
			p.Scene.Files = files
		}
	})
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: scene_update write-back failed")
	}
}

// handleAppStateUpdate replaces one user's appState entry wholesale —
// last writer wins across that user's own updates, but each user's
// entry is independent of every other user's.
func (r *Reconciler) handleAppStateUpdate(ctx context.Context, padID string, ev protocol.Event) {
	if ev.UserID == "" {
		return
	}
	data, err := ev.DecodeAppStateUpdate()
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: malformed appstate_update")
		return
	}
	if len(data.AppState) == 0 {
		return
	}

	err = r.cache.PatchField(ctx, padID, func(p *pad.Pad) {
		if p.Scene.AppState == nil {
			p.Scene.AppState = map[string]map[string]interface{}{}
		}
		p.Scene.AppState[ev.UserID] = data.AppState
	})
	if err != nil {
		logging.Log.WithField("pad_id", padID).WithError(err).Warn("reconciler: appstate_update write-back failed")
	}
}
