// Package accessguard evaluates per-request whether a user may read/edit
// a pad under its sharing policy.
package accessguard

import "github.com/padloom/padloom/pkg/pad"

// CanAccess reports whether userID may read/edit p: the owner always
// may; public pads admit anyone; whitelist pads admit only listed users;
// anything else is denied.
func CanAccess(p pad.Pad, userID string) bool {
	if IsOwner(p, userID) {
		return true
	}
	switch p.Sharing {
	case pad.SharingPublic:
		return true
	case pad.SharingWhitelist:
		_, ok := p.Whitelist[userID]
		return ok
	default:
		return false
	}
}

// IsOwner reports whether userID owns p.
func IsOwner(p pad.Pad, userID string) bool {
	return userID != "" && userID == p.OwnerID
}
