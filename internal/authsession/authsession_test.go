package authsession

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckOwnershipMatchingUserAllowed(t *testing.T) {
	allowed, legacy := CheckOwnership("42_abc-def", "42")
	require.True(t, allowed)
	require.False(t, legacy)
}

func TestCheckOwnershipMismatchedUserDenied(t *testing.T) {
	allowed, legacy := CheckOwnership("42_abc-def", "7")
	require.False(t, allowed)
	require.False(t, legacy)
}

func TestCheckOwnershipNonNumericPrefixIsLegacyAllowed(t *testing.T) {
	allowed, legacy := CheckOwnership("guest-session_abc-def", "7")
	require.True(t, allowed)
	require.True(t, legacy)
}

func TestNewSessionIDEncodesUserID(t *testing.T) {
	id := NewSessionID("99")
	require.True(t, strings.HasPrefix(id, "99_"))
	allowed, _ := CheckOwnership(id, "99")
	require.True(t, allowed)
}
