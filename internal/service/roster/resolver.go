package roster

import (
	"quizrank/internal/identity"
)

// ExpectedPlayer is an immutable roster snapshot taken when a match is
// spawned. UserID ties the entry back to the persisted account; the bot only
// needs the identity.
type ExpectedPlayer struct {
	UserID   int64             `json:"userId,omitempty"`
	Identity identity.Identity `json:"identity"`
	Skill    int               `json:"skill,omitempty"`
}

// ConnectedPlayer is a player as the platform reports it. PeerID is the
// ownership key, unique within a session.
type ConnectedPlayer struct {
	PeerID   int
	Nickname string
	Identity identity.Identity
	Score    int
}

// Resolve answers "is this connected player one of the expected players, and
// which one?". Strategies run in a strict order, stopping at the first match:
//
//  1. OAuth service + account id equality.
//  2. Platform-native permanent username equality (not the display nickname).
//  3. Display nickname against an expected username, for guest entries.
//
// Returns the index into expected, or -1 when the player is unexpected.
// Pure: the same inputs always classify the same way.
func Resolve(expected []ExpectedPlayer, p ConnectedPlayer) int {
	for i, exp := range expected {
		if matchByAccount(exp, p) {
			return i
		}
	}
	for i, exp := range expected {
		if matchByPlatformUsername(exp, p) {
			return i
		}
	}
	for i, exp := range expected {
		if matchByNickname(exp, p) {
			return i
		}
	}
	return -1
}

func matchByAccount(exp ExpectedPlayer, p ConnectedPlayer) bool {
	return identity.SameAccount(exp.Identity, p.Identity)
}

func matchByPlatformUsername(exp ExpectedPlayer, p ConnectedPlayer) bool {
	if exp.Identity.Provider != identity.ProviderJKLM || exp.Identity.Username == "" {
		return false
	}
	if p.Identity.Provider != identity.ProviderJKLM || p.Identity.Username == "" {
		return false
	}
	return identity.NormalizeName(exp.Identity.Username) == identity.NormalizeName(p.Identity.Username)
}

func matchByNickname(exp ExpectedPlayer, p ConnectedPlayer) bool {
	if exp.Identity.Provider != identity.ProviderGuest || exp.Identity.Username == "" {
		return false
	}
	return identity.NormalizeName(exp.Identity.Username) == identity.NormalizeName(p.Nickname)
}

// CountConnected counts expected entries with at least one resolving
// connected player. Each connected player resolves to at most one entry, and
// duplicates for the same entry never double-count.
func CountConnected(expected []ExpectedPlayer, connected []ConnectedPlayer) int {
	seen := make(map[int]bool, len(expected))
	for _, p := range connected {
		if idx := Resolve(expected, p); idx >= 0 {
			seen[idx] = true
		}
	}
	return len(seen)
}

// IsRosterComplete reports whether every expected entry has a resolving
// connected player. Monotonic over duplicate observations: once true for a
// connected set, dropping a duplicate cannot make it false.
func IsRosterComplete(expected []ExpectedPlayer, connected []ConnectedPlayer) bool {
	if len(expected) == 0 {
		return false
	}
	return CountConnected(expected, connected) == len(expected)
}
