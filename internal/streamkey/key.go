// Package streamkey builds, parses, and classifies stream session keys.
//
// Stream keys follow the canonical format:
//
//	agent:{agentId}:clawline:{userId}:{suffix}
//
// Where {suffix} is one of:
//
//	main          built-in personal stream (the session default)
//	dm            built-in DM stream (split dm-scope deployments)
//	s_xxxxxxxx    user-created custom stream (4-byte hex)
//
// Examples:
//
//	agent:main:clawline:flynn:main
//	agent:main:clawline:flynn:s_abcd1234
//
// The shared administrator stream key is an opaque deployment-level string and
// is not parsed by this package.
package streamkey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Built-in suffixes.
const (
	SuffixMain = "main"
	SuffixDM   = "dm"
)

// Stream kinds as stored in the catalog and used for posting policy.
const (
	KindMain     = "main"
	KindDM       = "dm"
	KindGlobalDM = "global_dm"
	KindCustom   = "custom"
)

var customSuffixRe = regexp.MustCompile(`^s_[0-9a-f]{8}$`)

// Build returns the canonical stream key for a user suffix.
func Build(agentID, userID, suffix string) string {
	return fmt.Sprintf("agent:%s:clawline:%s:%s", agentID, userID, suffix)
}

// Key is a parsed per-user clawline stream key.
type Key struct {
	AgentID string
	UserID  string
	Suffix  string
}

// Parse extracts the components of a per-user clawline key. Legacy keys of the
// shape agent:{agentId}:clawline:dm:{userId} are recognised and rewritten to
// the current grammar on read; stored rows are never rewritten in place.
func Parse(key string) (Key, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "agent" || parts[2] != "clawline" {
		return Key{}, false
	}
	// Legacy shape: clawline:dm:{userId}. Unambiguous because "dm" is never a
	// valid userId position in the current grammar (userIds occupying it would
	// collide with the literal); the rewrite is part of the contract.
	if parts[3] == SuffixDM && parts[4] != SuffixMain && parts[4] != SuffixDM && !customSuffixRe.MatchString(parts[4]) {
		return Key{AgentID: parts[1], UserID: parts[4], Suffix: SuffixDM}, true
	}
	return Key{AgentID: parts[1], UserID: parts[3], Suffix: parts[4]}, true
}

// Canonical returns the current-grammar form of the key.
func (k Key) Canonical() string { return Build(k.AgentID, k.UserID, k.Suffix) }

// ValidSuffix reports whether s is a built-in or custom suffix.
func ValidSuffix(s string) bool {
	return s == SuffixMain || s == SuffixDM || customSuffixRe.MatchString(s)
}

// IsCustomSuffix reports whether s is a generated custom suffix.
func IsCustomSuffix(s string) bool { return customSuffixRe.MatchString(s) }

// KindOf maps a suffix to its catalog kind.
func KindOf(suffix string) string {
	switch suffix {
	case SuffixMain:
		return KindMain
	case SuffixDM:
		return KindDM
	default:
		return KindCustom
	}
}

// NewCustomSuffix returns a fresh "s_" + 4-byte-hex custom stream suffix.
func NewCustomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("streamkey: rand failed: " + err.Error())
	}
	return "s_" + hex.EncodeToString(b[:])
}

// maxUserIDBytes caps normalised user ids.
const maxUserIDBytes = 48

// NormalizeUserID derives a userId from a claimed display name: ASCII
// lowercase, runs of non-alphanumerics collapsed to a single underscore,
// trimmed to 48 bytes. Returns "" when nothing usable remains.
func NormalizeUserID(claimedName string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range claimedName {
		switch {
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + ('a' - 'A'))
			lastUnderscore = false
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && sb.Len() > 0 {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(sb.String(), "_")
	if len(out) > maxUserIDBytes {
		out = strings.Trim(out[:maxUserIDBytes], "_")
	}
	return out
}

// GenerateUserID returns a random userId for devices that claim no name.
func GenerateUserID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("streamkey: rand failed: " + err.Error())
	}
	return "user_" + hex.EncodeToString(b[:])
}
