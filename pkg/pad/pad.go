// Package pad defines the Pad and Scene data model shared by the Pad
// Cache, Pad Store, Access Guard, and Canvas Worker.
package pad

import (
	"time"

	"github.com/padloom/padloom/internal/protocol"
)

// SharingPolicy controls who may access a pad beyond its owner.
type SharingPolicy string

const (
	SharingPrivate   SharingPolicy = "private"
	SharingWhitelist SharingPolicy = "whitelist"
	SharingPublic    SharingPolicy = "public"
)

// Scene is the {elements, files, appState} triple constituting what
// users see.
type Scene struct {
	Elements []protocol.Element                `json:"elements"`
	Files    map[string]protocol.FileRef       `json:"files"`
	AppState map[string]map[string]interface{} `json:"appState"`
}

// NewScene returns an empty, non-nil scene.
func NewScene() Scene {
	return Scene{
		Elements: []protocol.Element{},
		Files:    map[string]protocol.FileRef{},
		AppState: map[string]map[string]interface{}{},
	}
}

// Pad is the record held by the Pad Cache and persisted by the Pad
// Store. WorkerID is cache-only; it is never written to durable storage.
type Pad struct {
	ID          string
	OwnerID     string
	DisplayName string
	Sharing     SharingPolicy
	Whitelist   map[string]struct{}
	Scene       Scene
	CreatedAt   time.Time
	UpdatedAt   time.Time
	WorkerID    string // empty means unowned
}

// Clone copies a pad record's whitelist, element slice, files map and
// appState map, so adding, removing or replacing entries in a clone never
// affects the original. The per-user appState maps, element payloads and
// file descriptors are shared with the original, not copied.
func (p Pad) Clone() Pad {
	cp := p
	if p.Whitelist != nil {
		cp.Whitelist = make(map[string]struct{}, len(p.Whitelist))
		for k := range p.Whitelist {
			cp.Whitelist[k] = struct{}{}
		}
	}
	cp.Scene.Elements = append([]protocol.Element(nil), p.Scene.Elements...)
	if p.Scene.Files != nil {
		cp.Scene.Files = make(map[string]protocol.FileRef, len(p.Scene.Files))
		for k, v := range p.Scene.Files {
			cp.Scene.Files[k] = v
		}
	}
	if p.Scene.AppState != nil {
		cp.Scene.AppState = make(map[string]map[string]interface{}, len(p.Scene.AppState))
		for k, v := range p.Scene.AppState {
			cp.Scene.AppState[k] = v
		}
	}
	return cp
}
