package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawline/internal/streamkey"
)

// StreamSession is one row of a user's stream catalog.
type StreamSession struct {
	UserID      string
	SessionKey  string
	DisplayName string
	Kind        string
	OrderIndex  int
	BuiltIn     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const streamCols = `user_id, session_key, display_name, kind, order_index, is_built_in, created_at, updated_at`

func scanStream(row interface{ Scan(...any) error }) (StreamSession, error) {
	var ss StreamSession
	var builtIn int
	var created, updated int64
	err := row.Scan(&ss.UserID, &ss.SessionKey, &ss.DisplayName, &ss.Kind, &ss.OrderIndex, &builtIn, &created, &updated)
	if err != nil {
		return StreamSession{}, err
	}
	ss.BuiltIn = builtIn != 0
	ss.CreatedAt = millisToTime(created)
	ss.UpdatedAt = millisToTime(updated)
	return ss, nil
}

// ListStreams returns the catalog for a user ordered by (order_index,
// session_key).
func (s *Store) ListStreams(ctx context.Context, userID string) ([]StreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamCols+` FROM stream_sessions
		WHERE user_id = ?
		ORDER BY order_index ASC, session_key ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamSession
	for rows.Next() {
		ss, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// GetStream looks one catalog row up.
func (s *Store) GetStream(ctx context.Context, userID, sessionKey string) (StreamSession, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamCols+` FROM stream_sessions
		WHERE user_id = ? AND session_key = ?`, userID, sessionKey)
	ss, err := scanStream(row)
	if err == sql.ErrNoRows {
		return StreamSession{}, false, nil
	}
	if err != nil {
		return StreamSession{}, false, err
	}
	return ss, true, nil
}

// CountStreams returns the number of catalog rows a user owns.
func (s *Store) CountStreams(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_sessions WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// BuiltInSpec describes one built-in stream to seed for a user.
type BuiltInSpec struct {
	Key  string
	Name string
	Kind string
}

// EnsureBuiltIns lazily seeds the built-in catalog rows a user should have
// and returns the rows that were created. Existing rows are left untouched.
func (s *Store) EnsureBuiltIns(ctx context.Context, userID string, specs []BuiltInSpec) ([]StreamSession, error) {
	var created []StreamSession
	err := s.write(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		for _, spec := range specs {
			var exists int
			err := tx.QueryRow(`SELECT COUNT(*) FROM stream_sessions WHERE user_id = ? AND session_key = ?`,
				userID, spec.Key).Scan(&exists)
			if err != nil {
				return err
			}
			if exists > 0 {
				continue
			}
			idx, err := nextOrderIndexTx(tx, userID)
			if err != nil {
				return err
			}
			now := nowMillis()
			_, err = tx.Exec(`
				INSERT INTO stream_sessions (user_id, session_key, display_name, kind, order_index, is_built_in, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
				userID, spec.Key, spec.Name, spec.Kind, idx, now, now)
			if err != nil {
				return err
			}
			created = append(created, StreamSession{
				UserID: userID, SessionKey: spec.Key, DisplayName: spec.Name,
				Kind: spec.Kind, OrderIndex: idx, BuiltIn: true,
				CreatedAt: millisToTime(now), UpdatedAt: millisToTime(now),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// BuiltInsFor returns the built-in set a user is entitled to. Every user gets
// the personal stream; dm-scoped deployments get a direct-message stream;
// admins additionally get the global stream.
func BuiltInsFor(agentID, userID, dmScope, adminKey string, isAdmin bool) []BuiltInSpec {
	specs := []BuiltInSpec{{
		Key:  streamkey.Build(agentID, userID, streamkey.SuffixMain),
		Name: "Main",
		Kind: streamkey.KindMain,
	}}
	if dmScope == "dm" {
		specs = append(specs, BuiltInSpec{
			Key:  streamkey.Build(agentID, userID, streamkey.SuffixDM),
			Name: "Direct",
			Kind: streamkey.KindDM,
		})
	}
	if isAdmin && adminKey != "" {
		specs = append(specs, BuiltInSpec{
			Key:  adminKey,
			Name: "Global",
			Kind: streamkey.KindGlobalDM,
		})
	}
	return specs
}

func nextOrderIndexTx(tx *sql.Tx, userID string) (int, error) {
	var idx sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(order_index) FROM stream_sessions WHERE user_id = ?`, userID).Scan(&idx)
	if err != nil {
		return 0, err
	}
	if !idx.Valid {
		return 0, nil
	}
	return int(idx.Int64) + 1, nil
}

// CreateStream inserts a custom catalog row at the end of the ordering. A
// unique-constraint collision on order_index is retried once.
func (s *Store) CreateStream(ctx context.Context, userID, sessionKey, displayName string) (StreamSession, error) {
	var out StreamSession
	err := s.write(ctx, func(tx *sql.Tx) error {
		for attempt := 0; ; attempt++ {
			idx, err := nextOrderIndexTx(tx, userID)
			if err != nil {
				return err
			}
			now := nowMillis()
			_, err = tx.Exec(`
				INSERT INTO stream_sessions (user_id, session_key, display_name, kind, order_index, is_built_in, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
				userID, sessionKey, displayName, streamkey.KindCustom, idx, now, now)
			if err != nil {
				if attempt == 0 && strings.Contains(err.Error(), "UNIQUE") && strings.Contains(err.Error(), "order_index") {
					continue
				}
				return err
			}
			out = StreamSession{
				UserID: userID, SessionKey: sessionKey, DisplayName: displayName,
				Kind: streamkey.KindCustom, OrderIndex: idx,
				CreatedAt: millisToTime(now), UpdatedAt: millisToTime(now),
			}
			return nil
		}
	})
	return out, err
}

// RenameStream updates a catalog row's display name.
func (s *Store) RenameStream(ctx context.Context, userID, sessionKey, displayName string) (StreamSession, error) {
	var out StreamSession
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		res, err := tx.Exec(`
			UPDATE stream_sessions SET display_name = ?, updated_at = ?
			WHERE user_id = ? AND session_key = ?`,
			displayName, now, userID, sessionKey)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		row := tx.QueryRow(`SELECT `+streamCols+` FROM stream_sessions WHERE user_id = ? AND session_key = ?`,
			userID, sessionKey)
		out, err = scanStream(row)
		return err
	})
	return out, err
}

// DeleteStreamPurge removes a catalog row and every trace of its history in
// one transaction: the events, the per-device message records that point at
// them, their asset links, and the asset rows that only those links kept
// alive. Remaining rows are re-packed to a dense ordering starting at zero.
// The ids of the assets orphaned by this purge are returned so the caller can
// remove their files after commit.
func (s *Store) DeleteStreamPurge(ctx context.Context, userID, sessionKey string) ([]string, error) {
	var orphaned []string
	err := s.write(ctx, func(tx *sql.Tx) error {
		orphaned = orphaned[:0]
		res, err := tx.Exec(`DELETE FROM stream_sessions WHERE user_id = ? AND session_key = ?`,
			userID, sessionKey)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sql.ErrNoRows
		}

		// Only assets the purged messages referenced can become
		// unreferenced by this purge; collect them before the links go.
		candRows, err := tx.Query(`
			SELECT DISTINCT ma.asset_id FROM message_assets ma
			JOIN messages m ON m.device_id = ma.device_id AND m.client_id = ma.client_id
			JOIN events e ON e.id = m.server_event_id
			WHERE e.user_id = ? AND e.session_key = ?`,
			userID, sessionKey)
		if err != nil {
			return err
		}
		var candidates []string
		for candRows.Next() {
			var id string
			if err := candRows.Scan(&id); err != nil {
				candRows.Close()
				return err
			}
			candidates = append(candidates, id)
		}
		candRows.Close()
		if err := candRows.Err(); err != nil {
			return err
		}

		// Message records and asset links go first so the asset rows
		// can be deleted without tripping the RESTRICT constraint.
		if _, err := tx.Exec(`
			DELETE FROM message_assets WHERE (device_id, client_id) IN (
				SELECT m.device_id, m.client_id FROM messages m
				JOIN events e ON e.id = m.server_event_id
				WHERE e.user_id = ? AND e.session_key = ?)`,
			userID, sessionKey); err != nil {
			return fmt.Errorf("purge asset links: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM messages WHERE server_event_id IN (
				SELECT id FROM events WHERE user_id = ? AND session_key = ?)`,
			userID, sessionKey); err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM events WHERE user_id = ? AND session_key = ?`,
			userID, sessionKey); err != nil {
			return fmt.Errorf("purge events: %w", err)
		}

		// A candidate still linked from another stream's messages survives.
		for _, id := range candidates {
			var remaining int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM message_assets WHERE asset_id = ?`, id).
				Scan(&remaining); err != nil {
				return err
			}
			if remaining > 0 {
				continue
			}
			if _, err := tx.Exec(`DELETE FROM assets WHERE asset_id = ?`, id); err != nil {
				return err
			}
			orphaned = append(orphaned, id)
		}

		return repackOrderTx(tx, userID)
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

// repackOrderTx rewrites order_index as a dense run from zero preserving the
// existing order. Indexes are first moved out of range to dodge the unique
// constraint during the rewrite.
func repackOrderTx(tx *sql.Tx, userID string) error {
	rows, err := tx.Query(`
		SELECT session_key FROM stream_sessions
		WHERE user_id = ? ORDER BY order_index ASC, session_key ASC`, userID)
	if err != nil {
		return err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE stream_sessions SET order_index = order_index + 100000 WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for i, k := range keys {
		if _, err := tx.Exec(`UPDATE stream_sessions SET order_index = ? WHERE user_id = ? AND session_key = ?`,
			i, userID, k); err != nil {
			return err
		}
	}
	return nil
}
