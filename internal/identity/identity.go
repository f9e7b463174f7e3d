package identity

import "strings"

// Provider is the closed set of identity sources the platform reports.
type Provider string

const (
	ProviderDiscord Provider = "discord"
	ProviderTwitch  Provider = "twitch"
	// ProviderJKLM is the quiz platform's own account system. Its permanent
	// username is distinct from the mutable display nickname.
	ProviderJKLM  Provider = "jklm"
	ProviderGuest Provider = "guest"
)

// Identity is one authenticated (or guest) identity. ServiceID is set for
// OAuth-backed providers, Username for platform-native accounts. Guests carry
// neither.
type Identity struct {
	Provider Provider `json:"provider"`
	ServiceID string  `json:"serviceId,omitempty"`
	Username  string  `json:"username,omitempty"`
}

// FromService normalizes a free-form service string into a Provider.
// Anything unrecognized is treated as a guest entry.
func FromService(service string) Provider {
	switch strings.ToLower(strings.TrimSpace(service)) {
	case "discord":
		return ProviderDiscord
	case "twitch":
		return ProviderTwitch
	case "jklm":
		return ProviderJKLM
	default:
		return ProviderGuest
	}
}

// SameAccount reports whether two identities refer to the same OAuth account.
func SameAccount(a, b Identity) bool {
	if a.Provider != b.Provider || a.Provider == ProviderGuest {
		return false
	}
	if a.ServiceID == "" || b.ServiceID == "" {
		return false
	}
	return NormalizeID(a.ServiceID) == NormalizeID(b.ServiceID)
}

// NormalizeID string-normalizes an account id for comparison; the platform
// reports numeric ids both as numbers and strings.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizeName case-folds a username or nickname for comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
