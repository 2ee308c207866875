package httpapi

import "context"

// CookieIdentitySessionResolver is a stand-in SessionResolver for
// environments with no external session store wired in yet: it treats
// the session cookie's value directly as both user id and display name,
// letting the core run end-to-end until a real OIDC session store is
// plugged in via SessionResolver.
type CookieIdentitySessionResolver struct{}

// Resolve implements SessionResolver.
func (CookieIdentitySessionResolver) Resolve(ctx context.Context, sessionID string) (userID, username string, err error) {
	return sessionID, sessionID, nil
}
