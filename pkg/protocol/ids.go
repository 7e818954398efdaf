package protocol

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Id prefixes. Server events are "s_<uuid>", client message ids are "c_" plus
// any non-empty suffix, assets are "a_<uuid>".
const (
	ServerIDPrefix = "s_"
	ClientIDPrefix = "c_"
	AssetIDPrefix  = "a_"
)

var (
	serverIDRe = regexp.MustCompile(`^s_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	assetIDRe  = regexp.MustCompile(`^a_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// NewServerMessageID returns a fresh "s_<uuid>" event id.
func NewServerMessageID() string { return ServerIDPrefix + uuid.NewString() }

// NewAssetID returns a fresh "a_<uuid>" asset id.
func NewAssetID() string { return AssetIDPrefix + uuid.NewString() }

// ValidDeviceID reports whether s is an RFC 4122 UUIDv4 in canonical form.
func ValidDeviceID(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil || s != u.String() {
		return false
	}
	return u.Version() == 4
}

// ValidServerMessageID reports whether s is a well-formed server event id.
func ValidServerMessageID(s string) bool { return serverIDRe.MatchString(s) }

// ValidClientMessageID reports whether s is a well-formed client message id:
// the "c_" prefix plus at least one character.
func ValidClientMessageID(s string) bool {
	return strings.HasPrefix(s, ClientIDPrefix) && len(s) > len(ClientIDPrefix)
}

// ValidAssetID reports whether s is a well-formed asset id.
func ValidAssetID(s string) bool { return assetIDRe.MatchString(s) }
