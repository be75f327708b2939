package journal

import (
	"database/sql"
	"encoding/json"

	"github.com/sensorium/worldmodel/errors"
)

// Store handles persistence of queued writes.
type Store struct {
	db *sql.DB
}

// NewStore creates a journal store over an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a write at the tail of the queue and fills in its Seq.
func (s *Store) Append(w *Write) error {
	docJSON, err := json.Marshal(w.Document)
	if err != nil {
		return errors.Wrap(err, "failed to marshal document")
	}

	query := `
		INSERT INTO journal_writes (
			id, entity_id, op, document, version, attempts, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.Exec(query,
		w.ID,
		w.EntityID,
		w.Op,
		string(docJSON),
		w.Version,
		w.Attempts,
		w.EnqueuedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append journal write")
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read journal sequence")
	}
	w.Seq = seq

	return nil
}

// Pending returns up to limit queued writes in global FIFO order; a
// non-positive limit returns everything. Per-entity order is a sub-order
// of the global order, so grouping the result by EntityID preserves the
// ordering the drain loop needs.
func (s *Store) Pending(limit int) ([]*Write, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	query := `
		SELECT seq, id, entity_id, op, document, version, attempts, enqueued_at
		FROM journal_writes
		ORDER BY seq
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending writes")
	}
	defer rows.Close()

	var writes []*Write
	for rows.Next() {
		var w Write
		var docJSON string
		if err := rows.Scan(&w.Seq, &w.ID, &w.EntityID, &w.Op, &docJSON, &w.Version, &w.Attempts, &w.EnqueuedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan journal write")
		}
		if err := json.Unmarshal([]byte(docJSON), &w.Document); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal document for write %s", w.ID)
		}
		writes = append(writes, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate pending writes")
	}

	return writes, nil
}

// Complete removes an acknowledged (or deliberately dropped) write.
func (s *Store) Complete(id string) error {
	res, err := s.db.Exec(`DELETE FROM journal_writes WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to complete journal write")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("journal write %s not found", id)
	}
	return nil
}

// MarkAttempt increments the attempt counter after a failed push.
func (s *Store) MarkAttempt(id string) error {
	_, err := s.db.Exec(`UPDATE journal_writes SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark journal attempt")
	}
	return nil
}

// CountPending returns the number of writes still awaiting acknowledgment.
func (s *Store) CountPending() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM journal_writes`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count pending writes")
	}
	return count, nil
}
