// Package assets stores message media on disk and hands out gateway-relative
// URLs for it. Files live under <mediaDir>/assets keyed by asset id; writes
// go through a tmp directory and rename into place.
package assets

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/nextlevelbuilder/clawline/pkg/protocol"
)

// Store is the on-disk asset store.
type Store struct {
	dir    string
	tmpDir string
}

// NewStore prepares the asset and tmp directories under mediaDir.
func NewStore(mediaDir string) (*Store, error) {
	dir := filepath.Join(mediaDir, "assets")
	tmpDir := filepath.Join(mediaDir, "tmp")
	for _, d := range []string{dir, tmpDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &Store{dir: dir, tmpDir: tmpDir}, nil
}

// Path returns the on-disk path for an asset id.
func (s *Store) Path(assetID string) string { return filepath.Join(s.dir, assetID) }

// URL returns the gateway-relative URL clients use to download an asset.
func URL(assetID string) string { return "/api/assets/" + assetID }

// Save writes data under a fresh asset id and returns the id.
func (s *Store) Save(data []byte) (string, error) {
	assetID := protocol.NewAssetID()
	pf, err := renameio.NewPendingFile(s.Path(assetID),
		renameio.WithTempDir(s.tmpDir), renameio.WithPermissions(0o600))
	if err != nil {
		return "", fmt.Errorf("stage asset: %w", err)
	}
	defer pf.Cleanup()
	if _, err := pf.Write(data); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("commit asset: %w", err)
	}
	return assetID, nil
}

// Open opens an asset file for reading.
func (s *Store) Open(assetID string) (io.ReadSeekCloser, int64, error) {
	f, err := os.Open(s.Path(assetID))
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Remove deletes asset files by id. Missing files are not an error; the
// database row is the source of truth and the sweep may run twice.
func (s *Store) Remove(ids []string) {
	for _, id := range ids {
		if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
			slog.Warn("asset file removal failed", "asset_id", id, "error", err)
		}
	}
}

// SweepTmp removes staged files older than maxAge. Pending files normally
// clean themselves up; this catches leftovers from crashes mid-write.
func (s *Store) SweepTmp(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		slog.Warn("tmp dir scan failed", "error", err)
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
