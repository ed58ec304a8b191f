// Package history persists committed state transitions of the supervisor in
// a sqlite database, so past calibration outcomes survive restarts.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	// sqlite driver
	_ "modernc.org/sqlite"
)

// Kind tells which state machine an entry belongs to.
type Kind string

const (
	KindCalibration Kind = "calibration"
	KindLifecycle   Kind = "lifecycle"
)

// Entry is one committed transition.
type Entry struct {
	ID           string    `json:"id"`
	AttemptID    string    `json:"attemptId,omitempty"`
	Kind         Kind      `json:"kind"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	Samples      int       `json:"samples"`
	Mean         float64   `json:"mean"`
	StdDeviation float64   `json:"stdDeviation"`
	Temperature  float64   `json:"temperature"`
	Time         time.Time `json:"time"`
}

const schema = `
	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		attempt_id TEXT,
		kind TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT,
		samples INTEGER,
		mean REAL,
		std_deviation REAL,
		temperature REAL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS transitions_recorded_at ON transitions (recorded_at);
`

const selectColumns = `
	SELECT id, attempt_id, kind, from_state, to_state, reason, samples, mean, std_deviation, temperature, recorded_at
	FROM transitions`

// timeLayout has a fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a sqlite-backed transition log.
type Store struct {
	*sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open history database %s", path)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to create history schema")
	}
	return &Store{db}, nil
}

// Record inserts e. An empty ID gets a fresh one and a zero Time is set to now.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO transitions (id, attempt_id, kind, from_state, to_state, reason, samples, mean, std_deviation, temperature, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AttemptID,
		string(e.Kind),
		e.From,
		e.To,
		e.Reason,
		e.Samples,
		e.Mean,
		e.StdDeviation,
		e.Temperature,
		e.Time.UTC().Format(timeLayout),
	)
	if err != nil {
		return e, pkgerrors.Wrap(err, "failed to record transition")
	}
	return e, nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, selectColumns+`
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			attemptID  sql.NullString
			reason     sql.NullString
			kind       string
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &attemptID, &kind, &e.From, &e.To, &reason,
			&e.Samples, &e.Mean, &e.StdDeviation, &e.Temperature, &recordedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan history row")
		}
		e.AttemptID = attemptID.String
		e.Reason = reason.String
		e.Kind = Kind(kind)
		e.Time, err = time.Parse(timeLayout, recordedAt)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "bad timestamp %q in history", recordedAt)
		}
		out = append(out, e)
	}
	return out, pkgerrors.Wrap(rows.Err(), "failed to read history")
}

// LastCalibrated returns the newest entry that reached CALIBRATED, if any.
func (s *Store) LastCalibrated(ctx context.Context) (Entry, bool, error) {
	entries, err := s.query(ctx, selectColumns+`
		WHERE kind = ? AND to_state = 'CALIBRATED'
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT 1`, string(KindCalibration))
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}
