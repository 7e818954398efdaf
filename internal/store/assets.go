package store

import (
	"context"
	"database/sql"
	"time"
)

// AssetRecord is the database row for one stored media asset. The bytes live
// on disk under the media directory keyed by AssetID.
type AssetRecord struct {
	AssetID          string
	UserID           string
	MimeType         string
	Size             int64
	UploaderDeviceID string
	CreatedAt        time.Time
}

// InsertAsset records a stored asset.
func (s *Store) InsertAsset(ctx context.Context, a AssetRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO assets (asset_id, user_id, mime_type, size, uploader_device_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.AssetID, a.UserID, a.MimeType, a.Size, nullable(a.UploaderDeviceID), a.CreatedAt.UnixMilli())
		return err
	})
}

// GetAsset looks an asset row up.
func (s *Store) GetAsset(ctx context.Context, assetID string) (AssetRecord, bool, error) {
	var a AssetRecord
	var uploader sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_id, user_id, mime_type, size, uploader_device_id, created_at
		FROM assets WHERE asset_id = ?`, assetID).
		Scan(&a.AssetID, &a.UserID, &a.MimeType, &a.Size, &uploader, &created)
	if err == sql.ErrNoRows {
		return AssetRecord{}, false, nil
	}
	if err != nil {
		return AssetRecord{}, false, err
	}
	a.UploaderDeviceID = uploader.String
	a.CreatedAt = millisToTime(created)
	return a, true, nil
}

// AssetOwned reports whether the asset exists and belongs to userID. Assets
// referenced by a message must be owned by the sender.
func (s *Store) AssetOwned(ctx context.Context, assetID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assets WHERE asset_id = ? AND user_id = ?`, assetID, userID).Scan(&n)
	return n > 0, err
}

// UnreferencedAssetsBefore returns asset ids older than cutoff that no
// message links to. Used by the maintenance sweep to reclaim disk.
func (s *Store) UnreferencedAssetsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id FROM assets
		WHERE created_at < ? AND asset_id NOT IN (SELECT asset_id FROM message_assets)`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteAssets removes asset rows by id. Rows still linked by a message fail
// the transaction via the RESTRICT constraint, so callers pass only ids
// returned by UnreferencedAssetsBefore.
func (s *Store) DeleteAssets(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM assets WHERE asset_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}
