package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	return s, dir
}

func TestPendingLifecycle(t *testing.T) {
	s, dir := newTestStore(t)

	entry := PendingEntry{
		DeviceID:    "d1",
		ClaimedName: "Flynn",
		DeviceInfo:  protocol.DeviceInfo{Platform: "ios", Model: "iPhone15"},
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertPending(entry))

	got, ok := s.Pending("d1")
	require.True(t, ok)
	require.Equal(t, "Flynn", got.ClaimedName)
	require.Equal(t, 1, s.PendingCount())

	// The pending file should exist with restrictive permissions.
	fi, err := os.Stat(filepath.Join(dir, PendingFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// Re-posting preserves the original RequestedAt so the TTL clock is not
	// reset by retries.
	later := entry
	later.RequestedAt = entry.RequestedAt.Add(time.Hour)
	later.ClaimedName = "Flynn Rider"
	require.NoError(t, s.UpsertPending(later))
	got, ok = s.Pending("d1")
	require.True(t, ok)
	require.Equal(t, "Flynn Rider", got.ClaimedName)
	require.True(t, got.RequestedAt.Equal(entry.RequestedAt), "RequestedAt must be preserved")
}

func TestApprovePromotesAndClearsPending(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.UpsertPending(PendingEntry{
		DeviceID:    "d1",
		ClaimedName: "Flynn",
		RequestedAt: time.Now(),
	}))

	require.NoError(t, s.Approve("d1", "flynn", false))

	_, stillPending := s.Pending("d1")
	require.False(t, stillPending)
	e, ok := s.Allowlisted("d1")
	require.True(t, ok)
	require.Equal(t, "flynn", e.UserID)
	require.Equal(t, "Flynn", e.ClaimedName)
	require.False(t, e.IsAdmin)
	require.False(t, e.TokenDelivered)
}

func TestApproveClearsDenylist(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Revoke("d1"))
	require.True(t, s.Denylisted("d1"))

	require.NoError(t, s.Approve("d1", "flynn", true))
	require.False(t, s.Denylisted("d1"))
	e, ok := s.Allowlisted("d1")
	require.True(t, ok)
	require.True(t, e.IsAdmin)
}

func TestRevokeRemovesEverywhere(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Approve("d1", "flynn", false))
	require.NoError(t, s.Revoke("d1"))

	_, ok := s.Allowlisted("d1")
	require.False(t, ok)
	require.True(t, s.Denylisted("d1"))
}

func TestTokenDeliveredAndLastSeen(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Approve("d1", "flynn", false))

	require.NoError(t, s.MarkTokenDelivered("d1"))
	e, _ := s.Allowlisted("d1")
	require.True(t, e.TokenDelivered)
	require.Nil(t, e.LastSeenAt)

	require.NoError(t, s.TouchLastSeen("d1"))
	e, _ = s.Allowlisted("d1")
	require.NotNil(t, e.LastSeenAt)

	// Touching an unknown device is a no-op, not an error.
	require.NoError(t, s.TouchLastSeen("ghost"))
}

func TestPrunePending(t *testing.T) {
	s, _ := newTestStore(t)
	old := PendingEntry{DeviceID: "old", RequestedAt: time.Now().Add(-10 * time.Minute)}
	fresh := PendingEntry{DeviceID: "fresh", RequestedAt: time.Now()}
	require.NoError(t, s.UpsertPending(old))
	require.NoError(t, s.UpsertPending(fresh))

	pruned := s.PrunePending(5 * time.Minute)
	require.Equal(t, []string{"old"}, pruned)
	_, ok := s.Pending("fresh")
	require.True(t, ok)
	require.Equal(t, 1, s.PendingCount())
}

func TestPersistenceAcrossRestart(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Approve("d1", "flynn", true))
	require.NoError(t, s.UpsertPending(PendingEntry{DeviceID: "d2", RequestedAt: time.Now()}))
	require.NoError(t, s.Revoke("d3"))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	e, ok := s2.Allowlisted("d1")
	require.True(t, ok)
	require.Equal(t, "flynn", e.UserID)
	require.True(t, e.IsAdmin)
	_, ok = s2.Pending("d2")
	require.True(t, ok)
	require.True(t, s2.Denylisted("d3"))
}

func TestLoadSkipsMalformedEntriesAndApprovedDuplicates(t *testing.T) {
	dir := t.TempDir()
	allow := []AllowlistEntry{
		{DeviceID: "d1", UserID: "flynn"},
		{DeviceID: "", UserID: "broken"},
	}
	pend := []PendingEntry{
		{DeviceID: "d1"}, // already approved, must be dropped on load
		{DeviceID: "d2"},
	}
	writeJSON(t, filepath.Join(dir, AllowlistFile), allow)
	writeJSON(t, filepath.Join(dir, PendingFile), pend)

	s, err := NewStore(dir)
	require.NoError(t, err)
	require.Equal(t, 1, len(s.AllowlistEntries()))
	_, ok := s.Pending("d1")
	require.False(t, ok)
	_, ok = s.Pending("d2")
	require.True(t, ok)
}

func TestSubscribeNotifiedOnMutation(t *testing.T) {
	s, _ := newTestStore(t)
	calls := 0
	s.Subscribe(func() { calls++ })
	require.NoError(t, s.UpsertPending(PendingEntry{DeviceID: "d1", RequestedAt: time.Now()}))
	require.NoError(t, s.Deny("d1"))
	require.Equal(t, 2, calls)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
