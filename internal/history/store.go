// Package history records snapshots to SQLite for later analysis.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"traffic-state/internal/traffic"

	_ "modernc.org/sqlite"
)

// schema.sql creates the road_samples table, one row per road per recorded snapshot.
//
//go:embed schema.sql
var schemaSQL string

// DefaultEvery is the default spacing between recorded snapshots.
const DefaultEvery = 5 * time.Second

// Store is a traffic.Sink that keeps every Every-th second of snapshots and
// answers history queries.
type Store struct {
	db    *sql.DB
	every float64 // seconds

	mu     sync.Mutex
	lastTS float64
	wrote  bool
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string, every time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	if every <= 0 {
		every = DefaultEvery
	}
	return &Store{db: db, every: every.Seconds()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Publish implements traffic.Sink. Snapshots closer than Every to the last
// recorded one are skipped.
func (s *Store) Publish(ctx context.Context, snap traffic.Snapshot) error {
	s.mu.Lock()
	if s.wrote && snap.TS-s.lastTS < s.every {
		s.mu.Unlock()
		return nil
	}
	s.lastTS, s.wrote = snap.TS, true
	s.mu.Unlock()

	return s.Record(ctx, snap)
}

// Record writes every road of snap in one transaction.
func (s *Store) Record(ctx context.Context, snap traffic.Snapshot) error {
	rows := snap.Samples()
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO road_samples
			(ts, road_id, name, vehicles_now, people_now, vehicles_smooth, people_smooth, level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.TS, r.RoadID, r.Name,
			r.CountsNow.Vehicles, r.CountsNow.People,
			r.CountsSmooth.Vehicles, r.CountsSmooth.People, string(r.Level)); err != nil {
			return fmt.Errorf("insert history row for %s: %w", r.RoadID, err)
		}
	}
	return tx.Commit()
}

// History implements traffic.HistoryReader: the latest limit samples of
// roadID, newest first.
func (s *Store) History(ctx context.Context, roadID string, limit int) ([]traffic.RoadSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, road_id, name, vehicles_now, people_now, vehicles_smooth, people_smooth, level
		FROM road_samples
		WHERE road_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, roadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []traffic.RoadSample
	for rows.Next() {
		var r traffic.RoadSample
		var level string
		if err := rows.Scan(&r.TS, &r.RoadID, &r.Name,
			&r.CountsNow.Vehicles, &r.CountsNow.People,
			&r.CountsSmooth.Vehicles, &r.CountsSmooth.People, &level); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.Level = traffic.Level(level)
		out = append(out, r)
	}
	return out, rows.Err()
}
