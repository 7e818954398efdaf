package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Streaming states a user message record moves through.
const (
	StreamingFinalized = "finalized"
	StreamingActive    = "active"
	StreamingFailed    = "failed"
	StreamingQueued    = "queued"
)

// MessageRecord is the per-device dedup record for one ingested user message,
// keyed by (deviceId, clientId).
type MessageRecord struct {
	DeviceID        string
	ClientID        string
	UserID          string
	ServerEventID   string
	ServerSeq       int64
	ContentHash     string
	AttachmentsHash string
	StreamingState  string
	AckSent         bool
	CreatedAt       time.Time
}

const messageCols = `device_id, client_id, user_id, server_event_id, server_seq, content_hash, attachments_hash, streaming_state, ack_sent, created_at`

func scanMessage(row interface{ Scan(...any) error }) (MessageRecord, error) {
	var m MessageRecord
	var ack int
	var created int64
	err := row.Scan(&m.DeviceID, &m.ClientID, &m.UserID, &m.ServerEventID, &m.ServerSeq,
		&m.ContentHash, &m.AttachmentsHash, &m.StreamingState, &ack, &created)
	if err != nil {
		return MessageRecord{}, err
	}
	m.AckSent = ack != 0
	m.CreatedAt = millisToTime(created)
	return m, nil
}

// GetMessage looks a dedup record up by its (deviceId, clientId) key.
func (s *Store) GetMessage(ctx context.Context, deviceID, clientID string) (MessageRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE device_id = ? AND client_id = ?`, deviceID, clientID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return MessageRecord{}, false, nil
	}
	if err != nil {
		return MessageRecord{}, false, err
	}
	return m, true, nil
}

// InsertUserMessage persists an ingested user message atomically: the event
// row (with its freshly allocated sequence), the dedup record pointing at it,
// and the links to any referenced assets. The event's Seq and the record's
// ServerSeq are filled in on return.
func (s *Store) InsertUserMessage(ctx context.Context, ev *Event, rec *MessageRecord, assetIDs []string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if err := insertEventTx(tx, ev); err != nil {
			return err
		}
		rec.ServerEventID = ev.ID
		rec.ServerSeq = ev.Seq
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = ev.Timestamp
		}
		_, err := tx.Exec(`
			INSERT INTO messages (device_id, client_id, user_id, server_event_id, server_seq, content_hash, attachments_hash, streaming_state, ack_sent, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.DeviceID, rec.ClientID, rec.UserID, rec.ServerEventID, rec.ServerSeq,
			rec.ContentHash, rec.AttachmentsHash, rec.StreamingState, boolInt(rec.AckSent), rec.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert message record: %w", err)
		}
		for _, assetID := range assetIDs {
			if _, err := tx.Exec(`
				INSERT INTO message_assets (device_id, client_id, asset_id) VALUES (?, ?, ?)`,
				rec.DeviceID, rec.ClientID, assetID); err != nil {
				return fmt.Errorf("link asset %s: %w", assetID, err)
			}
		}
		return nil
	})
}

// SetAckSent marks the dedup record as having had its ack delivered.
func (s *Store) SetAckSent(ctx context.Context, deviceID, clientID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE messages SET ack_sent = 1 WHERE device_id = ? AND client_id = ?`,
			deviceID, clientID)
		return err
	})
}

// SetStreamingState transitions the dedup record's streaming state.
func (s *Store) SetStreamingState(ctx context.Context, deviceID, clientID, state string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE messages SET streaming_state = ? WHERE device_id = ? AND client_id = ?`,
			state, deviceID, clientID)
		return err
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
