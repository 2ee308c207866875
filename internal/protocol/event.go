// Package protocol defines the wire protocol shared by the Event Bus and
// the WebSocket connection hub.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType enumerates the event kinds carried on the Event Bus and the
// WebSocket connection.
type EventType string

const (
	EventSceneUpdate     EventType = "scene_update"
	EventAppStateUpdate  EventType = "appstate_update"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventPointerUpdate   EventType = "pointer_update"
	EventConnected       EventType = "connected"
	EventError           EventType = "error"
	EventForceDisconnect EventType = "force_disconnect"
)

// Durable reports whether events of this type belong on the durable
// stream (true) or the ephemeral pointer channel (false). connected is
// server-to-client only and is never republished onto either transport.
func (t EventType) Durable() bool {
	return t != EventPointerUpdate && t != EventConnected
}

// Event is the envelope transported over the Event Bus and the
// WebSocket. Data carries the type-specific payload as raw JSON; the
// Decode* accessors below decode it on demand for scene_update,
// appstate_update and pointer_update.
type Event struct {
	Type         EventType       `json:"type"`
	PadID        string          `json:"pad_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// MarshalTimestampZ renders the event timestamp as ISO-8601 UTC with a
// trailing Z, the shape stream entries carry on the wire.
func (e Event) MarshalTimestampZ() string {
	return e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// NewEvent builds an event envelope with a server-stamped timestamp. The
// caller supplies the payload already marshaled; use EncodeData for
// typed payloads.
func NewEvent(typ EventType, padID, userID, connectionID string, data json.RawMessage) Event {
	return Event{
		Type:         typ,
		PadID:        padID,
		UserID:       userID,
		ConnectionID: connectionID,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	}
}

// EncodeData marshals a typed payload into the Data field of an event
// under construction.
func EncodeData(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// SceneUpdateData is the payload of a scene_update event: a partial or
// whole {elements, files} submission from one client.
type SceneUpdateData struct {
	Elements []Element          `json:"elements,omitempty"`
	Files    map[string]FileRef `json:"files,omitempty"`
}

// AppStateUpdateData is the payload of an appstate_update event: one
// user's private view/UI state, replaced wholesale (last-writer-wins).
type AppStateUpdateData struct {
	AppState map[string]interface{} `json:"appState"`
}

// PointerUpdateData is the payload of a pointer_update event.
type PointerUpdateData struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Tool   string  `json:"tool,omitempty"`
	Button string  `json:"button,omitempty"`
}

// UserJoinedData / UserLeftData carry minimal presence-announcement info.
type UserJoinedData struct {
	Username string `json:"username"`
}

type UserLeftData struct{}

// ConnectedData is the payload of the server-only connected frame sent
// right after registration; it carries the current presence snapshot.
type ConnectedData struct {
	CollaboratorsList []Collaborator `json:"collaboratorsList"`
}

// Collaborator is one entry of the connected-users snapshot.
type Collaborator struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ErrorData is the payload of a server->client error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// ForceDisconnectData carries the reason a connection is being dropped.
type ForceDisconnectData struct {
	Reason string `json:"reason"`
}

// DecodeSceneUpdate decodes the event's Data as SceneUpdateData.
func (e Event) DecodeSceneUpdate() (SceneUpdateData, error) {
	var d SceneUpdateData
	if len(e.Data) == 0 {
		return d, nil
	}
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// DecodeAppStateUpdate decodes the event's Data as AppStateUpdateData.
func (e Event) DecodeAppStateUpdate() (AppStateUpdateData, error) {
	var d AppStateUpdateData
	if len(e.Data) == 0 {
		return d, nil
	}
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// DecodePointerUpdate decodes the event's Data as PointerUpdateData.
func (e Event) DecodePointerUpdate() (PointerUpdateData, error) {
	var d PointerUpdateData
	if len(e.Data) == 0 {
		return d, nil
	}
	err := json.Unmarshal(e.Data, &d)
	return d, err
}
