// Package pairing persists the device lifecycle records: approved devices
// (allowlist), devices awaiting operator approval (pending), and revoked
// devices (denylist). Each list lives in its own JSON file under the state
// directory; every mutation is written atomically and external operator edits
// are observed through a file watcher.
package pairing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"

	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// File names under the state directory.
const (
	AllowlistFile = "allowlist.json"
	PendingFile   = "pending.json"
	DenylistFile  = "denylist.json"
)

// AllowlistEntry is an approved device bound to a user.
type AllowlistEntry struct {
	DeviceID       string              `json:"deviceId"`
	UserID         string              `json:"userId"`
	IsAdmin        bool                `json:"isAdmin"`
	ClaimedName    string              `json:"claimedName,omitempty"`
	DeviceInfo     protocol.DeviceInfo `json:"deviceInfo"`
	TokenDelivered bool                `json:"tokenDelivered"`
	CreatedAt      time.Time           `json:"createdAt"`
	LastSeenAt     *time.Time          `json:"lastSeenAt,omitempty"`
}

// PendingEntry is a device awaiting operator approval.
type PendingEntry struct {
	DeviceID    string              `json:"deviceId"`
	ClaimedName string              `json:"claimedName,omitempty"`
	DeviceInfo  protocol.DeviceInfo `json:"deviceInfo"`
	RequestedAt time.Time           `json:"requestedAt"`
}

// DenylistEntry revokes a device.
type DenylistEntry struct {
	DeviceID string `json:"deviceId"`
}

// Store holds the three lists with atomic persistence and watch-based
// reconciliation. Safe for concurrent use.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	allowlist map[string]AllowlistEntry
	pending   map[string]PendingEntry
	denylist  map[string]DenylistEntry

	listenersMu sync.Mutex
	listeners   []func()

	watcher *fsnotify.Watcher
}

// NewStore loads (or initialises) the pairing files under dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		logger:    slog.With("component", "pairing"),
		allowlist: make(map[string]AllowlistEntry),
		pending:   make(map[string]PendingEntry),
		denylist:  make(map[string]DenylistEntry),
	}
	if err := s.reloadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe registers fn to run after any reload or mutation. Handlers must
// be fast; heavy reconciliation belongs in the caller's own goroutine.
func (s *Store) Subscribe(fn func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify() {
	s.listenersMu.Lock()
	ls := make([]func(), len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.Unlock()
	for _, fn := range ls {
		fn()
	}
}

// Allowlisted returns the allowlist entry for a device.
func (s *Store) Allowlisted(deviceID string) (AllowlistEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.allowlist[deviceID]
	return e, ok
}

// Denylisted reports whether the device has been revoked.
func (s *Store) Denylisted(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.denylist[deviceID]
	return ok
}

// Pending returns the pending entry for a device.
func (s *Store) Pending(deviceID string) (PendingEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pending[deviceID]
	return e, ok
}

// PendingCount returns the number of pending requests.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// AllowlistEntries returns a snapshot of all approved devices.
func (s *Store) AllowlistEntries() []AllowlistEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AllowlistEntry, 0, len(s.allowlist))
	for _, e := range s.allowlist {
		out = append(out, e)
	}
	return out
}

// PendingEntries returns a snapshot of all pending requests.
func (s *Store) PendingEntries() []PendingEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PendingEntry, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e)
	}
	return out
}

// UpsertPending records a pair request. The RequestedAt of an existing entry
// is preserved so re-posting the same request does not reset its TTL.
func (s *Store) UpsertPending(e PendingEntry) error {
	s.mu.Lock()
	if prev, ok := s.pending[e.DeviceID]; ok {
		e.RequestedAt = prev.RequestedAt
	}
	s.pending[e.DeviceID] = e
	err := s.savePendingLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Approve promotes a pending device onto the allowlist.
func (s *Store) Approve(deviceID, userID string, isAdmin bool) error {
	s.mu.Lock()
	p := s.pending[deviceID]
	delete(s.pending, deviceID)
	delete(s.denylist, deviceID)
	s.allowlist[deviceID] = AllowlistEntry{
		DeviceID:    deviceID,
		UserID:      userID,
		IsAdmin:     isAdmin,
		ClaimedName: p.ClaimedName,
		DeviceInfo:  p.DeviceInfo,
		CreatedAt:   time.Now().UTC(),
	}
	err := s.saveAllLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// SetAdmin flips the admin flag on an approved device.
func (s *Store) SetAdmin(deviceID string, isAdmin bool) error {
	s.mu.Lock()
	e, ok := s.allowlist[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("device %s not on allowlist", deviceID)
	}
	e.IsAdmin = isAdmin
	s.allowlist[deviceID] = e
	err := s.saveAllowlistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Deny removes a pending request without revoking the device.
func (s *Store) Deny(deviceID string) error {
	s.mu.Lock()
	delete(s.pending, deviceID)
	err := s.savePendingLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Revoke denylists a device and removes it from the other lists.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	delete(s.allowlist, deviceID)
	delete(s.pending, deviceID)
	s.denylist[deviceID] = DenylistEntry{DeviceID: deviceID}
	err := s.saveAllLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// MarkTokenDelivered records successful token delivery for a device.
func (s *Store) MarkTokenDelivered(deviceID string) error {
	s.mu.Lock()
	e, ok := s.allowlist[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("device %s not on allowlist", deviceID)
	}
	e.TokenDelivered = true
	s.allowlist[deviceID] = e
	err := s.saveAllowlistLocked()
	s.mu.Unlock()
	return err
}

// TouchLastSeen stamps the device's last successful auth or reissue.
func (s *Store) TouchLastSeen(deviceID string) error {
	s.mu.Lock()
	e, ok := s.allowlist[deviceID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	e.LastSeenAt = &now
	s.allowlist[deviceID] = e
	err := s.saveAllowlistLocked()
	s.mu.Unlock()
	return err
}

// PrunePending drops pending entries older than ttl. Returns the pruned ids.
func (s *Store) PrunePending(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	var pruned []string
	for id, e := range s.pending {
		if e.RequestedAt.Before(cutoff) {
			delete(s.pending, id)
			pruned = append(pruned, id)
		}
	}
	var err error
	if len(pruned) > 0 {
		err = s.savePendingLocked()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("pending prune save failed", "error", err)
	}
	if len(pruned) > 0 {
		s.notify()
	}
	return pruned
}

// StartWatcher observes external edits to the three files and reconciles.
// Parse failures keep the last known good state.
func (s *Store) StartWatcher(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch state dir: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop(done)
	return nil
}

func (s *Store) watchLoop(done <-chan struct{}) {
	// Debounce so editor write+rename sequences reload once.
	var debounce *time.Timer
	const debounceDelay = 250 * time.Millisecond

	for {
		select {
		case <-done:
			s.watcher.Close()
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != AllowlistFile && name != PendingFile && name != DenylistFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := s.reloadAll(); err != nil {
					s.logger.Warn("pairing reload failed, keeping previous state", "error", err)
					return
				}
				s.notify()
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("pairing watcher error", "error", err)
		}
	}
}

func (s *Store) reloadAll() error {
	allow, err := loadList[AllowlistEntry](filepath.Join(s.dir, AllowlistFile))
	if err != nil {
		return err
	}
	pend, err := loadList[PendingEntry](filepath.Join(s.dir, PendingFile))
	if err != nil {
		return err
	}
	deny, err := loadList[DenylistEntry](filepath.Join(s.dir, DenylistFile))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowlist = make(map[string]AllowlistEntry, len(allow))
	for _, e := range allow {
		if e.DeviceID == "" || e.UserID == "" {
			continue
		}
		s.allowlist[e.DeviceID] = e
	}
	s.pending = make(map[string]PendingEntry, len(pend))
	for _, e := range pend {
		if e.DeviceID == "" {
			continue
		}
		// Pending and allowlist are disjoint views of a device's lifecycle.
		if _, approved := s.allowlist[e.DeviceID]; approved {
			continue
		}
		s.pending[e.DeviceID] = e
	}
	s.denylist = make(map[string]DenylistEntry, len(deny))
	for _, e := range deny {
		if e.DeviceID == "" {
			continue
		}
		s.denylist[e.DeviceID] = e
	}
	return nil
}

func loadList[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var out []T
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func (s *Store) saveAllLocked() error {
	if err := s.saveAllowlistLocked(); err != nil {
		return err
	}
	if err := s.savePendingLocked(); err != nil {
		return err
	}
	return s.saveDenylistLocked()
}

func (s *Store) saveAllowlistLocked() error {
	out := make([]AllowlistEntry, 0, len(s.allowlist))
	for _, e := range s.allowlist {
		out = append(out, e)
	}
	return writeAtomic(filepath.Join(s.dir, AllowlistFile), out)
}

func (s *Store) savePendingLocked() error {
	out := make([]PendingEntry, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e)
	}
	return writeAtomic(filepath.Join(s.dir, PendingFile), out)
}

func (s *Store) saveDenylistLocked() error {
	out := make([]DenylistEntry, 0, len(s.denylist))
	for _, e := range s.denylist {
		out = append(out, e)
	}
	return writeAtomic(filepath.Join(s.dir, DenylistFile), out)
}

// writeAtomic persists v as JSON with fsync-before-rename durability.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // no-op once committed
	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
