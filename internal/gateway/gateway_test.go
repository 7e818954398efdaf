package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawline/internal/assets"
	"github.com/nextlevelbuilder/clawline/internal/config"
	"github.com/nextlevelbuilder/clawline/internal/dispatch"
	"github.com/nextlevelbuilder/clawline/internal/pairing"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// newTestServer assembles a full gateway over temp state. Limits that would
// interfere with rapid test traffic are raised; tests that exercise a limit
// set it back down explicitly.
func newTestServer(t *testing.T, d dispatch.Dispatcher, mutate func(*config.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Gateway.StateDir = filepath.Join(dir, "state")
	cfg.Gateway.MediaDir = filepath.Join(dir, "media")
	cfg.Pairing.MaxPairPerMinute = 1000
	cfg.Limits.MaxMessagesPerSecond = 1000
	if mutate != nil {
		mutate(cfg)
	}

	ps, err := pairing.NewStore(cfg.StatePath(""))
	require.NoError(t, err)
	ts, err := pairing.NewTokenStore(cfg.StatePath("jwt.key"), cfg.TokenTTL())
	require.NoError(t, err)
	st, err := store.Open(cfg.StatePath("clawline.sqlite"), cfg.Limits.MaxWriteQueueDepth)
	require.NoError(t, err)
	as, err := assets.NewStore(config.ExpandHome(cfg.Gateway.MediaDir))
	require.NoError(t, err)

	srv := NewServer(cfg, st, ps, ts, as, d)
	t.Cleanup(func() {
		srv.tasks.Close()
		st.Close()
	})
	return srv
}

// approveDevice registers an approved device and mints its bearer token.
func approveDevice(t *testing.T, s *Server, userID string, admin bool) (deviceID, token string) {
	t.Helper()
	deviceID = uuid.NewString()
	require.NoError(t, s.pairing.Approve(deviceID, userID, admin))
	token, err := s.tokens.Issue(userID, deviceID, admin)
	require.NoError(t, err)
	return deviceID, token
}

func TestNormalizeAttachments(t *testing.T) {
	s := newTestServer(t, nil, nil)
	png := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))

	tests := []struct {
		name     string
		atts     []protocol.Attachment
		wantCode protocol.ErrorCode
	}{
		{"none", nil, ""},
		{"inline png", []protocol.Attachment{{Type: "image", MimeType: "image/png", Data: png}}, ""},
		{"inline webp", []protocol.Attachment{{Type: "image", MimeType: "image/webp", Data: png}}, ""},
		{"unsupported image mime", []protocol.Attachment{{Type: "image", MimeType: "image/tiff", Data: png}}, protocol.ErrInvalidMessage},
		{"bad base64", []protocol.Attachment{{Type: "image", MimeType: "image/png", Data: "!!!"}}, protocol.ErrInvalidMessage},
		{"empty data", []protocol.Attachment{{Type: "image", MimeType: "image/png", Data: ""}}, protocol.ErrInvalidMessage},
		{"terminal doc", []protocol.Attachment{{Type: "document", MimeType: protocol.MimeTerminalSession, Data: png}}, ""},
		{"interactive doc", []protocol.Attachment{{Type: "document", MimeType: protocol.MimeInteractiveHTML, Data: png}}, ""},
		{"arbitrary doc mime", []protocol.Attachment{{Type: "document", MimeType: "application/pdf", Data: png}}, protocol.ErrInvalidMessage},
		{"asset ref", []protocol.Attachment{{Type: "asset", AssetID: protocol.NewAssetID()}}, ""},
		{"malformed asset id", []protocol.Attachment{{Type: "asset", AssetID: "a_nope"}}, protocol.ErrInvalidMessage},
		{"unknown type", []protocol.Attachment{{Type: "video"}}, protocol.ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code, _ := s.normalizeAttachments(tt.atts)
			require.Equal(t, tt.wantCode, code)
			if code == "" {
				require.Len(t, out, len(tt.atts))
			}
		})
	}
}

func TestNormalizeAttachmentsInlineBudget(t *testing.T) {
	s := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Limits.MaxInlineBytes = 8
	})
	big := base64.StdEncoding.EncodeToString([]byte("way more than eight bytes"))

	_, code, _ := s.normalizeAttachments([]protocol.Attachment{{Type: "image", MimeType: "image/png", Data: big}})
	require.Equal(t, protocol.ErrPayloadTooLarge, code)
	// Oversized documents are rejected too, never offloaded to asset storage.
	_, code, _ = s.normalizeAttachments([]protocol.Attachment{{Type: "document", MimeType: protocol.MimeTerminalSession, Data: big}})
	require.Equal(t, protocol.ErrPayloadTooLarge, code)
}

func TestPromoteInlineWebP(t *testing.T) {
	// Formats without a registered decoder still become owned assets, stored
	// as received.
	s := newTestServer(t, nil, nil)
	c := &Client{srv: s, userID: "flynn", deviceID: uuid.NewString()}

	raw := []byte("RIFF....WEBPVP8 fake payload")
	data := base64.StdEncoding.EncodeToString(raw)
	atts, code, _ := s.normalizeAttachments([]protocol.Attachment{{Type: "image", MimeType: "image/webp", Data: data}})
	require.Empty(t, code)

	wire, assetIDs, code, _ := s.promoteAttachments(context.Background(), c, atts)
	require.Empty(t, code)
	require.Len(t, wire, 1)
	require.Equal(t, "asset", wire[0].Type)
	require.Equal(t, "image/webp", wire[0].MimeType)
	require.Len(t, assetIDs, 1)

	owned, err := s.store.AssetOwned(context.Background(), assetIDs[0], "flynn")
	require.NoError(t, err)
	require.True(t, owned)

	rd, size, err := s.assets.Open(assetIDs[0])
	require.NoError(t, err)
	defer rd.Close()
	require.Equal(t, int64(len(raw)), size)
}

func TestReplayGateOrdering(t *testing.T) {
	c := &Client{
		logger: slog.Default(),
		send:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	msg := func(id string) protocol.ServerMessageFrame {
		return protocol.ServerMessageFrame{Type: protocol.FrameMessage, ID: id, Role: "assistant"}
	}
	drain := func() []string {
		ids := []string{}
		for {
			select {
			case data := <-c.send:
				var f protocol.ServerMessageFrame
				require.NoError(t, json.Unmarshal(data, &f))
				ids = append(ids, f.ID)
			default:
				return ids
			}
		}
	}

	// Broadcasts landing while history replays are held, not sent.
	c.beginReplay()
	c.deliverMessage(msg("s_live"))
	c.deliverMessage(msg("s_covered"))
	require.Empty(t, drain())

	// The replay delivers its frames first; the flush drops the held frame
	// the replay already covered and keeps the rest in arrival order.
	c.sendFrame(msg("s_old"))
	c.sendFrame(msg("s_covered"))
	c.finishReplay(map[string]bool{"s_old": true, "s_covered": true})
	require.Equal(t, []string{"s_old", "s_covered", "s_live"}, drain())

	// The gate is open again for live traffic.
	c.deliverMessage(msg("s_after"))
	require.Equal(t, []string{"s_after"}, drain())
}

func TestHashAttachmentsStability(t *testing.T) {
	atts := []protocol.Attachment{{Type: "image", MimeType: "image/png", Data: "aGVsbG8="}}
	require.Equal(t, hashAttachments(atts), hashAttachments(atts))
	require.Empty(t, hashAttachments(nil))

	changed := []protocol.Attachment{{Type: "image", MimeType: "image/png", Data: "d29ybGQ="}}
	require.NotEqual(t, hashAttachments(atts), hashAttachments(changed))
	require.NotEqual(t, hashContent("a"), hashContent("b"))
}

func TestResolveTargetStream(t *testing.T) {
	s := newTestServer(t, nil, nil)
	mainKey := "agent:main:clawline:flynn:main"
	c := &Client{
		srv:        s,
		userID:     "flynn",
		defaultKey: mainKey,
		visible:    map[string]bool{mainKey: true},
		features:   map[string]bool{},
	}

	key, code, _ := c.resolveTargetStream("")
	require.Empty(t, code)
	require.Equal(t, mainKey, key)

	key, code, _ = c.resolveTargetStream(mainKey)
	require.Empty(t, code)
	require.Equal(t, mainKey, key)

	// Legacy dm-shaped keys are rewritten before lookup.
	dmKey := "agent:main:clawline:flynn:dm"
	c.visible[dmKey] = true
	key, code, _ = c.resolveTargetStream("agent:main:clawline:dm:flynn")
	require.Empty(t, code)
	require.Equal(t, dmKey, key)

	_, code, _ = c.resolveTargetStream(s.cfg.AdminStreamKey())
	require.Equal(t, protocol.ErrForbidden, code)

	_, code, _ = c.resolveTargetStream("agent:main:clawline:flynn:s_99999999")
	require.Equal(t, protocol.ErrStreamNotFound, code)
}

func TestNormalizeFrame(t *testing.T) {
	s := newTestServer(t, nil, nil)
	base := protocol.ServerMessageFrame{
		Type: protocol.FrameMessage, ID: protocol.NewServerMessageID(),
		Role: "user", SessionKey: "agent:main:clawline:flynn:main", Content: "hi",
	}

	plain := &Client{srv: s, features: map[string]bool{}}

	// Legacy keys are rewritten for the wire.
	legacy := base
	legacy.SessionKey = "agent:main:clawline:dm:flynn"
	norm, ok := s.normalizeFrame(plain, legacy)
	require.True(t, ok)
	require.Equal(t, "agent:main:clawline:flynn:dm", norm.SessionKey)

	// Admin stream frames are dropped for non-admin sessions.
	adminFrame := base
	adminFrame.SessionKey = s.cfg.AdminStreamKey()
	_, ok = s.normalizeFrame(plain, adminFrame)
	require.False(t, ok)
	admin := &Client{srv: s, isAdmin: true, features: map[string]bool{}}
	_, ok = s.normalizeFrame(admin, adminFrame)
	require.True(t, ok)

	// Terminal-session documents are stripped for sessions without the
	// feature; other attachments survive.
	withDocs := base
	withDocs.Attachments = []protocol.Attachment{
		{Type: "document", MimeType: protocol.MimeTerminalSession, Data: "e30="},
		{Type: "asset", AssetID: protocol.NewAssetID()},
	}
	norm, ok = s.normalizeFrame(plain, withDocs)
	require.True(t, ok)
	require.Len(t, norm.Attachments, 1)
	require.Equal(t, "asset", norm.Attachments[0].Type)

	bubbles := &Client{srv: s, features: map[string]bool{protocol.FeatureTerminalBubbles: true}}
	norm, ok = s.normalizeFrame(bubbles, withDocs)
	require.True(t, ok)
	require.Len(t, norm.Attachments, 2)

	// Stripping must not mutate the shared frame.
	require.Len(t, withDocs.Attachments, 2)
}

func TestValidDeviceInfo(t *testing.T) {
	long := make([]byte, maxFieldBytes+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name string
		info protocol.DeviceInfo
		want bool
	}{
		{"complete", protocol.DeviceInfo{Platform: "ios", Model: "iPhone15", OSVersion: "17", AppVersion: "1.0"}, true},
		{"minimal", protocol.DeviceInfo{Platform: "android", Model: "Pixel"}, true},
		{"missing platform", protocol.DeviceInfo{Model: "Pixel"}, false},
		{"missing model", protocol.DeviceInfo{Platform: "android"}, false},
		{"oversized platform", protocol.DeviceInfo{Platform: string(long), Model: "m"}, false},
		{"oversized os version", protocol.DeviceInfo{Platform: "p", Model: "m", OSVersion: string(long)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, validDeviceInfo(tt.info))
		})
	}
}

func TestSanitizeDisplayName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Project X", "Project X"},
		{"  padded  ", "padded"},
		{"tabs\tand\nnewlines", "tabsandnewlines"},
		{"ctrl\x00\x1bchars", "ctrlchars"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeDisplayName(tt.in, 64), "input %q", tt.in)
	}
	require.Equal(t, "aaaa", sanitizeDisplayName("aaaabbbb", 4))
	// The byte cap backs off to a rune boundary rather than splitting one.
	require.Equal(t, "éé", sanitizeDisplayName("ééééé", 5))
	require.Equal(t, "日本", sanitizeDisplayName("日本語テスト", 7))
}

func TestLaneKeySeparation(t *testing.T) {
	// User-level lanes must never collide with stream lanes or other users.
	require.NotEqual(t, laneKey("alice", ""), laneKey("alice", "k"))
	require.NotEqual(t, laneKey("alice", "k"), laneKey("bob", "k"))
	require.NotEqual(t, laneKey("a", "b"), laneKey("ab", ""))
}

func TestSessionsRegistry(t *testing.T) {
	ss := NewSessions()
	a1 := &Client{deviceID: "d1", userID: "alice"}
	a2 := &Client{deviceID: "d1", userID: "alice"}
	b := &Client{deviceID: "d2", userID: "bob"}

	require.Nil(t, ss.Register(a1))
	require.Nil(t, ss.Register(b))
	// Same device replaces the prior session and reports it for eviction.
	require.Same(t, a1, ss.Register(a2))

	require.Len(t, ss.ForUser("alice"), 1)
	require.Len(t, ss.All(), 2)
	got, ok := ss.ByDevice("d1")
	require.True(t, ok)
	require.Same(t, a2, got)

	// Unregistering a stale session is a no-op.
	ss.Unregister(a1)
	_, ok = ss.ByDevice("d1")
	require.True(t, ok)
	ss.Unregister(a2)
	_, ok = ss.ByDevice("d1")
	require.False(t, ok)
	require.Empty(t, ss.ForUser("alice"))
}
