package store

import (
	"context"
	"database/sql"
	"time"
)

// IdempotencyRecord captures the outcome of a mutating API call so a retried
// key can replay the original response.
type IdempotencyRecord struct {
	UserID      string
	Key         string
	Operation   string
	Fingerprint string
	Status      int
	Body        []byte
	CreatedAt   time.Time
}

// GetIdempotency fetches a stored record for (userID, key).
func (s *Store) GetIdempotency(ctx context.Context, userID, key string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	var body string
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, idem_key, operation, fingerprint, status, response_body, created_at
		FROM idempotency WHERE user_id = ? AND idem_key = ?`, userID, key).
		Scan(&rec.UserID, &rec.Key, &rec.Operation, &rec.Fingerprint, &rec.Status, &body, &created)
	if err == sql.ErrNoRows {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	rec.Body = []byte(body)
	rec.CreatedAt = millisToTime(created)
	return rec, true, nil
}

// PutIdempotency stores the outcome of a completed mutating call.
func (s *Store) PutIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO idempotency (user_id, idem_key, operation, fingerprint, status, response_body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, idem_key) DO NOTHING`,
			rec.UserID, rec.Key, rec.Operation, rec.Fingerprint, rec.Status, string(rec.Body), rec.CreatedAt.UnixMilli())
		return err
	})
}

// PruneIdempotency deletes records older than cutoff and returns how many
// were removed.
func (s *Store) PruneIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM idempotency WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
