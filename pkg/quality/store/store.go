// Package store persists quality ratings of fit sessions in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wmwv/meas-algorithms/pkg/quality"
)

//go:embed schema.sql
var schemaSQL string

// Store persists the ratings of fit sessions in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save records ratings under a new session ID and returns it.
func (s *Store) Save(ctx context.Context, exposure string, ratings []quality.Rating) (uuid.UUID, error) {
	id := uuid.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fit_session (session_id, exposure, created_unix_nanos) VALUES (?, ?, ?)`,
		id.String(), exposure, time.Now().UnixNano()); err != nil {
		return uuid.Nil, fmt.Errorf("inserting session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO quality_rating (session_id, name, value, lower_bound, upper_bound) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return uuid.Nil, err
	}
	defer stmt.Close()

	for _, r := range ratings {
		if _, err := stmt.ExecContext(ctx, id.String(), r.Name, nullable(r.Value), nullable(r.Lower), nullable(r.Upper)); err != nil {
			return uuid.Nil, fmt.Errorf("inserting rating %s: %w", r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Load returns the ratings saved under id, ordered by name.
func (s *Store) Load(ctx context.Context, id uuid.UUID) ([]quality.Rating, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, lower_bound, upper_bound FROM quality_rating WHERE session_id = ? ORDER BY name`,
		id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quality.Rating
	for rows.Next() {
		var (
			r                   quality.Rating
			value, lower, upper sql.NullFloat64
		)
		if err := rows.Scan(&r.Name, &value, &lower, &upper); err != nil {
			return nil, err
		}
		r.Value = fromNullable(value, math.NaN())
		r.Lower = fromNullable(lower, math.Inf(-1))
		r.Upper = fromNullable(upper, math.Inf(1))
		out = append(out, r)
	}
	return out, rows.Err()
}

// nullable stores non-finite values as NULL.
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNullable(v sql.NullFloat64, def float64) float64 {
	if !v.Valid {
		return def
	}
	return v.Float64
}
