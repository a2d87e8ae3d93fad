// Package authsession implements the minimal session-ownership check spec
// §4.K needs without a full identity service: a session_id encodes its
// owning user id as a prefix, and a caller may only operate on sessions
// whose prefix matches their own user id.
package authsession

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/manifold-regs/ragqa/internal/validation"
)

// NewSessionID mints a fresh "{user_id}_{uuid}" session id for a caller.
func NewSessionID(userID string) string {
	return userID + "_" + uuid.NewString()
}

// CheckOwnership implements spec §3's Session ownership rule: if the
// session id's prefix parses as an integer and it does not equal the
// caller's user id, access is denied. A non-numeric prefix is treated as a
// legacy session id and allowed, with the caller expected to log a warning.
func CheckOwnership(sessionID, callerUserID string) (allowed bool, legacy bool) {
	if _, err := validation.SessionID(sessionID); err != nil {
		return false, false
	}
	prefix, _, ok := strings.Cut(sessionID, "_")
	if !ok {
		return true, true
	}
	prefixN, err1 := strconv.ParseInt(prefix, 10, 64)
	if err1 != nil {
		return true, true
	}
	callerN, err2 := strconv.ParseInt(callerUserID, 10, 64)
	if err2 != nil {
		// Caller id itself isn't numeric; fall back to exact string match.
		return prefix == callerUserID, false
	}
	return prefixN == callerN, false
}
