// Package scene implements the pure scene-reconciliation algorithm used
// by the Canvas Worker. It has no I/O and no concurrency of its own;
// callers are responsible for serializing access to the authoritative
// server-side element list (the reconciler is the sole writer).
package scene

import (
	"sort"

	"github.com/padloom/padloom/internal/protocol"
)

// Reconcile merges a client's proposed element list into the current
// authoritative list:
//
//  1. Index server elements by id.
//  2. Walk client elements in order, skipping empty or duplicate ids
//     (only the first occurrence of a given id is considered).
//  3. For each id, keep the server version iff it exists and either the
//     client's version is lower, or versions tie and the client's
//     versionNonce is higher (lower nonce wins on a version tie).
//     Otherwise accept the client's version.
//  4. Append any server elements never mentioned by the client.
//  5. Sort the result stably by (index, id), fractional-index strings
//     compared lexicographically and a missing index sorting first.
//
// Reconcile reports changed = true iff the merged list differs from the
// server list in any accepted (non-discarded) element.
func Reconcile(serverElements, clientElements []protocol.Element) (merged []protocol.Element, changed bool) {
	byID := make(map[string]protocol.Element, len(serverElements))
	for _, s := range serverElements {
		byID[s.ID] = s
	}

	seen := make(map[string]struct{}, len(clientElements))
	merged = make([]protocol.Element, 0, len(serverElements)+len(clientElements))

	for _, c := range clientElements {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}

		s, hadServer := byID[c.ID]
		if hadServer && shouldDiscardClient(s, c) {
			merged = append(merged, s)
			continue
		}

		merged = append(merged, c)
		if !hadServer || !c.Equal(s) {
			changed = true
		}
	}

	for id, s := range byID {
		if _, ok := seen[id]; !ok {
			merged = append(merged, s)
		}
	}

	sortByFractionalIndex(merged)
	return merged, changed
}

// shouldDiscardClient reports whether the server's element should win
// over the client's proposal for the same id.
func shouldDiscardClient(server, client protocol.Element) bool {
	if client.Version < server.Version {
		return true
	}
	if client.Version == server.Version && client.VersionNonce > server.VersionNonce {
		return true
	}
	return false
}

// sortByFractionalIndex stably sorts elements by (index, id), comparing
// index strings lexicographically; an empty index sorts before any
// non-empty one.
func sortByFractionalIndex(elements []protocol.Element) {
	sort.SliceStable(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		if a.Index != b.Index {
			if a.Index == "" {
				return true
			}
			if b.Index == "" {
				return false
			}
			return a.Index < b.Index
		}
		return a.ID < b.ID
	})
}

// MergeFiles replaces the server's files map wholesale with the client's
// iff they differ; element reconciliation never partially mutates files.
func MergeFiles(serverFiles, clientFiles map[string]protocol.FileRef) (merged map[string]protocol.FileRef, changed bool) {
	if len(clientFiles) == 0 {
		return serverFiles, false
	}
	if filesEqual(serverFiles, clientFiles) {
		return serverFiles, false
	}
	return clientFiles, true
}

func filesEqual(a, b map[string]protocol.FileRef) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || string(v) != string(ov) {
			return false
		}
	}
	return true
}
