package protocol

import "encoding/json"

// Element is one drawable object inside a scene. The payload beyond
// id/version/versionNonce/index is opaque to the core and round-trips
// through Extra untouched.
type Element struct {
	ID           string          `json:"id"`
	Version      int64           `json:"version"`
	VersionNonce int64           `json:"versionNonce"`
	Index        string          `json:"index,omitempty"`
	Extra        json.RawMessage `json:"-"`
}

// MarshalJSON flattens Extra's fields alongside the typed ones so the
// wire shape is a single flat element object, not a nested envelope.
func (e Element) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(e.Extra) > 0 {
		if err := json.Unmarshal(e.Extra, &m); err != nil {
			return nil, err
		}
	}
	m["id"] = e.ID
	m["version"] = e.Version
	m["versionNonce"] = e.VersionNonce
	if e.Index != "" {
		m["index"] = e.Index
	}
	return json.Marshal(m)
}

// UnmarshalJSON captures the typed fields and keeps the rest as Extra.
func (e *Element) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID           string `json:"id"`
		Version      int64  `json:"version"`
		VersionNonce int64  `json:"versionNonce"`
		Index        string `json:"index"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	e.ID = a.ID
	e.Version = a.Version
	e.VersionNonce = a.VersionNonce
	e.Index = a.Index
	e.Extra = append([]byte(nil), data...)
	return nil
}

// Equal reports whether two elements are byte-for-byte identical once
// re-marshaled, used by the reconciler to decide whether accepting a
// client element actually changed anything.
func (e Element) Equal(o Element) bool {
	a, errA := json.Marshal(e)
	b, errB := json.Marshal(o)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// FileRef is an opaque file descriptor; the core never interprets it.
type FileRef = json.RawMessage
