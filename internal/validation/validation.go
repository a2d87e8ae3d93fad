// Package validation provides a defensive sanity check on caller-supplied
// session ids before authsession reasons about ownership. It has no
// dependencies on other internal packages to avoid import cycles.
package validation

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrInvalidSessionID indicates the session_id value is malformed: empty
// path segments, separators, or traversal sequences have no legitimate
// place in a "{user_id}_{uuid}" session id.
var ErrInvalidSessionID = errors.New("invalid session_id")

// SessionID checks that a session id is a single, well-formed path segment
// before authsession.CheckOwnership parses its user-id prefix. Returns the
// cleaned id.
func SessionID(sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	if sessionID == "." || sessionID == ".." {
		return "", ErrInvalidSessionID
	}
	if strings.ContainsAny(sessionID, `/\`) {
		return "", ErrInvalidSessionID
	}
	if filepath.Clean(sessionID) != sessionID {
		return "", ErrInvalidSessionID
	}
	return sessionID, nil
}
