package scene

import (
	"encoding/json"
	"testing"

	"github.com/padloom/padloom/internal/protocol"
)

func elem(id string, version, nonce int64, index string) protocol.Element {
	e := protocol.Element{ID: id, Version: version, VersionNonce: nonce, Index: index}
	e.Extra = json.RawMessage(`{}`)
	return e
}

func ids(elements []protocol.Element) []string {
	out := make([]string, len(elements))
	for i, e := range elements {
		out[i] = e.ID
	}
	return out
}

// A single client insert is accepted and reported as a change.
func TestReconcileAcceptsNewElement(t *testing.T) {
	merged, changed := Reconcile(nil, []protocol.Element{elem("e1", 1, 5, "a0")})
	if !changed {
		t.Fatalf("expected changed=true for brand new element")
	}
	if len(merged) != 1 || merged[0].ID != "e1" {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}

// Version dominates nonce; equal versions break ties on lower nonce.
func TestReconcileVersionTiebreak(t *testing.T) {
	cases := []struct {
		name           string
		server, client protocol.Element
		wantNonce      int64
	}{
		{"equal version, lower nonce wins", elem("e1", 2, 9, "a0"), elem("e1", 2, 3, "a0"), 3},
		{"higher version wins regardless of nonce", elem("e1", 1, 1, "a0"), elem("e1", 2, 999, "a0"), 999},
		{"lower version discarded regardless of nonce", elem("e1", 2, 999, "a0"), elem("e1", 1, 1, "a0"), 999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			merged, _ := Reconcile([]protocol.Element{tc.server}, []protocol.Element{tc.client})
			if len(merged) != 1 {
				t.Fatalf("expected exactly one merged element, got %d", len(merged))
			}
			if merged[0].VersionNonce != tc.wantNonce {
				t.Fatalf("want nonce %d, got %d", tc.wantNonce, merged[0].VersionNonce)
			}
		})
	}
}

// Tiebreak determinism: reconciling A-then-B or B-then-A yields the same result.
func TestReconcileTiebreakOrderIndependent(t *testing.T) {
	a := elem("e1", 2, 9, "a0")
	b := elem("e1", 2, 3, "a0")

	mergedAB, _ := Reconcile([]protocol.Element{a}, []protocol.Element{b})
	mergedBA, _ := Reconcile([]protocol.Element{b}, []protocol.Element{a})

	if mergedAB[0].VersionNonce != mergedBA[0].VersionNonce {
		t.Fatalf("tiebreak was order-dependent: %d vs %d", mergedAB[0].VersionNonce, mergedBA[0].VersionNonce)
	}
}

// Duplicate element ids in a client payload: only the first is considered.
func TestReconcileDuplicateClientIDsFirstWins(t *testing.T) {
	first := elem("e1", 5, 1, "a0")
	second := elem("e1", 9, 1, "a1") // would win on version if it were considered
	merged, _ := Reconcile(nil, []protocol.Element{first, second})

	if len(merged) != 1 {
		t.Fatalf("expected one element after dedup, got %d", len(merged))
	}
	if merged[0].Version != 5 {
		t.Fatalf("expected first occurrence (version 5) to win, got version %d", merged[0].Version)
	}
}

// Empty client_elements: scene elements are untouched, no spurious change.
func TestReconcileEmptyClientLeavesServerUntouched(t *testing.T) {
	server := []protocol.Element{elem("e1", 1, 1, "a0"), elem("e2", 1, 1, "a1")}
	merged, changed := Reconcile(server, nil)

	if changed {
		t.Fatalf("expected no change when client submits no elements")
	}
	if got := ids(merged); len(got) != 2 {
		t.Fatalf("expected server elements preserved, got %v", got)
	}
}

// Output is ordered by fractional index, whatever the input order.
func TestReconcileOrdersByFractionalIndex(t *testing.T) {
	server := []protocol.Element{elem("e1", 1, 1, "b0"), elem("e2", 1, 1, "a0")}
	merged, _ := Reconcile(server, nil)

	if got := ids(merged); got[0] != "e2" || got[1] != "e1" {
		t.Fatalf("expected e2 before e1 by index, got %v", got)
	}
}

// Missing index sorts first.
func TestReconcileMissingIndexSortsFirst(t *testing.T) {
	server := []protocol.Element{elem("e1", 1, 1, "a0"), elem("e2", 1, 1, "")}
	merged, _ := Reconcile(server, nil)

	if got := ids(merged); got[0] != "e2" {
		t.Fatalf("expected element with missing index first, got %v", got)
	}
}

// Convergence: any interleaving of proposals with distinct (version,
// versionNonce) per element yields the same winner regardless of arrival
// order, applying the discard rule pairwise.
func TestReconcileConvergesAcrossInterleavings(t *testing.T) {
	proposals := []protocol.Element{
		elem("e1", 1, 1, "a0"),
		elem("e1", 3, 2, "a0"),
		elem("e1", 2, 9, "a0"),
		elem("e1", 3, 1, "a0"),
	}

	// Apply sequentially in given order.
	var server []protocol.Element
	for _, p := range proposals {
		server, _ = Reconcile(server, []protocol.Element{p})
	}
	forward := server[0]

	// Apply in reverse order.
	server = nil
	for i := len(proposals) - 1; i >= 0; i-- {
		server, _ = Reconcile(server, []protocol.Element{proposals[i]})
	}
	backward := server[0]

	if forward.Version != backward.Version || forward.VersionNonce != backward.VersionNonce {
		t.Fatalf("convergence violated: forward=%+v backward=%+v", forward, backward)
	}
	// version 3 with the lower nonce (1) must win.
	if forward.Version != 3 || forward.VersionNonce != 1 {
		t.Fatalf("expected version=3 nonce=1 to win, got version=%d nonce=%d", forward.Version, forward.VersionNonce)
	}
}

func TestMergeFilesWholeMapReplacement(t *testing.T) {
	server := map[string]protocol.FileRef{"f1": json.RawMessage(`{"a":1}`)}
	client := map[string]protocol.FileRef{"f1": json.RawMessage(`{"a":1}`)}

	merged, changed := MergeFiles(server, client)
	if changed {
		t.Fatalf("expected no change for identical files maps")
	}
	if len(merged) != 1 {
		t.Fatalf("unexpected merged files: %v", merged)
	}

	client2 := map[string]protocol.FileRef{"f2": json.RawMessage(`{"b":2}`)}
	merged2, changed2 := MergeFiles(server, client2)
	if !changed2 {
		t.Fatalf("expected change when files differ")
	}
	if _, ok := merged2["f2"]; !ok {
		t.Fatalf("expected whole-map replacement to adopt client files")
	}
}
