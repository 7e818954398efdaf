package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types persisted in the log.
const (
	EventTypeMessage = "message"
)

// Event is one immutable row of a user's append-only log.
type Event struct {
	ID           string
	UserID       string
	SessionKey   string
	Seq          int64
	Type         string
	DeviceID     string
	Payload      []byte
	PayloadBytes int
	Timestamp    time.Time
}

// nextSeqTx allocates the next dense sequence number for a user inside tx.
func nextSeqTx(tx *sql.Tx, userID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(`
		INSERT INTO user_seq (user_id, seq) VALUES (?, 1)
		ON CONFLICT (user_id) DO UPDATE SET seq = seq + 1
		RETURNING seq`, userID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return seq, nil
}

// insertEventTx writes the event row with a freshly allocated sequence.
func insertEventTx(tx *sql.Tx, ev *Event) error {
	seq, err := nextSeqTx(tx, ev.UserID)
	if err != nil {
		return err
	}
	ev.Seq = seq
	ev.PayloadBytes = len(ev.Payload)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err = tx.Exec(`
		INSERT INTO events (id, user_id, session_key, seq, event_type, device_id, payload, payload_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.SessionKey, ev.Seq, ev.Type,
		nullable(ev.DeviceID), string(ev.Payload), ev.PayloadBytes, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AppendEvent persists a single event (assistant replies, outbound sends).
// The sequence is assigned inside the write transaction.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return insertEventTx(tx, ev)
	})
}

const eventCols = `id, user_id, session_key, seq, event_type, COALESCE(device_id,''), payload, payload_bytes, created_at`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var payload string
	var ms int64
	err := row.Scan(&ev.ID, &ev.UserID, &ev.SessionKey, &ev.Seq, &ev.Type, &ev.DeviceID, &payload, &ev.PayloadBytes, &ms)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = []byte(payload)
	ev.Timestamp = millisToTime(ms)
	return ev, nil
}

// EventByID looks an event up by its globally unique id.
func (s *Store) EventByID(ctx context.Context, id string) (Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsAfterSeq returns up to limit events after seq for a user, oldest
// first, and reports whether more remained beyond the limit.
func (s *Store) EventsAfterSeq(ctx context.Context, userID string, seq int64, limit int) ([]Event, bool, error) {
	evs, err := s.queryEvents(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE user_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, userID, seq, limit+1)
	if err != nil {
		return nil, false, err
	}
	truncated := len(evs) > limit
	if truncated {
		evs = evs[:limit]
	}
	return evs, truncated, nil
}

// EventsAfterTime returns up to limit events after t for a user, oldest
// first. Part of the contract for cross-user anchor resolution even though
// single-user deployments never call it.
func (s *Store) EventsAfterTime(ctx context.Context, userID string, t time.Time, limit int) ([]Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE user_id = ? AND created_at > ?
		ORDER BY seq ASC LIMIT ?`, userID, t.UnixMilli(), limit)
}

// TailMessages returns the newest n message events for a user, reordered
// oldest first for replay.
func (s *Store) TailMessages(ctx context.Context, userID string, n int) ([]Event, error) {
	evs, err := s.queryEvents(ctx, `
		SELECT `+eventCols+` FROM events
		WHERE user_id = ? AND event_type = ?
		ORDER BY seq DESC LIMIT ?`, userID, EventTypeMessage, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// RecentStreamMessages collects up to limit message events for one stream,
// newest first, scanning the log in batches and giving up after examining
// max(limit*20, 500) events.
func (s *Store) RecentStreamMessages(ctx context.Context, userID, sessionKey string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	scanBudget := limit * 20
	if scanBudget < 500 {
		scanBudget = 500
	}

	var out []Event
	const batch = 100
	before := int64(1<<62 - 1)
	for scanBudget > 0 && len(out) < limit {
		evs, err := s.queryEvents(ctx, `
			SELECT `+eventCols+` FROM events
			WHERE user_id = ? AND seq < ?
			ORDER BY seq DESC LIMIT ?`, userID, before, batch)
		if err != nil {
			return nil, err
		}
		if len(evs) == 0 {
			break
		}
		for _, ev := range evs {
			scanBudget--
			if ev.Type == EventTypeMessage && ev.SessionKey == sessionKey {
				out = append(out, ev)
				if len(out) == limit {
					break
				}
			}
			if scanBudget == 0 {
				break
			}
		}
		before = evs[len(evs)-1].Seq
	}
	return out, nil
}

// BackfillSessionKeys re-derives session_key for rows persisted before the
// column existed, reading it from the stored JSON payload and falling back to
// the user's personal stream key. Runs as a data hook after migrations.
func (s *Store) BackfillSessionKeys(ctx context.Context, fallback func(userID string) string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, payload FROM events WHERE session_key = ''`)
	if err != nil {
		return 0, err
	}
	type fix struct{ id, key string }
	var fixes []fix
	for rows.Next() {
		var id, userID, payload string
		if err := rows.Scan(&id, &userID, &payload); err != nil {
			rows.Close()
			return 0, err
		}
		var body struct {
			SessionKey string `json:"sessionKey"`
		}
		key := ""
		if json.Unmarshal([]byte(payload), &body) == nil {
			key = body.SessionKey
		}
		if key == "" {
			key = fallback(userID)
		}
		fixes = append(fixes, fix{id: id, key: key})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(fixes) == 0 {
		return 0, nil
	}

	err = s.write(ctx, func(tx *sql.Tx) error {
		for _, f := range fixes {
			if _, err := tx.Exec(`UPDATE events SET session_key = ? WHERE id = ?`, f.key, f.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(fixes), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
