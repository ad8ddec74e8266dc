// Package annotation provides the lipid annotations of each slice, stored in SQLite.
package annotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrLipidNotFound is returned when no annotation matches a lookup.
var ErrLipidNotFound = errors.New("lipid not found")

// Lipid is one annotated peak window of a slice.
type Lipid struct {
	ID            int64   `json:"id"`
	Slice         int     `json:"slice"`
	Name          string  `json:"name"`
	Structure     string  `json:"structure"`
	Cation        string  `json:"cation"`
	TheoreticalMZ float64 `json:"theoretical_mz"`
	MinMZ         float64 `json:"min_mz"`
	MaxMZ         float64 `json:"max_mz"`
	MZEstimated   float64 `json:"mz_estimated"`
	NumPixels     int     `json:"num_pixels"`
}

// Label returns the display label "name structure cation".
func (l Lipid) Label() string {
	return l.Name + " " + l.Structure + " " + l.Cation
}

// Store reads lipid annotations from a SQLite database.
type Store struct {
	db *sql.DB
}

// Create opens the annotation database at path for writing, creating the
// file and schema if needed.
func Create(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Open opens an existing annotation database read-only.
func Open(path string) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("annotation database: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("annotation database %s is a directory", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dsn := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}).String()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'lipids'`).Scan(&n)
	if err == nil && n == 0 {
		err = errors.New("no lipids table")
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("annotation database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lipids (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slice INTEGER NOT NULL,
		name TEXT NOT NULL,
		structure TEXT NOT NULL DEFAULT '',
		cation TEXT NOT NULL DEFAULT '',
		theoretical_mz REAL NOT NULL DEFAULT 0,
		min_mz REAL NOT NULL,
		max_mz REAL NOT NULL,
		mz_estimated REAL NOT NULL DEFAULT 0,
		num_pixels INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_lipids_slice ON lipids(slice, min_mz);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds annotations in a single transaction.
func (s *Store) Insert(ctx context.Context, lipids ...Lipid) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lipids (slice, name, structure, cation, theoretical_mz, min_mz, max_mz, mz_estimated, num_pixels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range lipids {
		if l.MinMZ > l.MaxMZ {
			return fmt.Errorf("lipid %s: min_mz %g > max_mz %g", l.Label(), l.MinMZ, l.MaxMZ)
		}
		if _, err := stmt.ExecContext(ctx, l.Slice, l.Name, l.Structure, l.Cation,
			l.TheoreticalMZ, l.MinMZ, l.MaxMZ, l.MZEstimated, l.NumPixels); err != nil {
			return fmt.Errorf("insert lipid %s: %w", l.Label(), err)
		}
	}
	return tx.Commit()
}

const selectLipid = `
	SELECT id, slice, name, structure, cation, theoretical_mz, min_mz, max_mz, mz_estimated, num_pixels
	FROM lipids
`

// Lipids returns the annotations of a slice sorted by min_mz.
func (s *Store) Lipids(ctx context.Context, slice int) ([]Lipid, error) {
	rows, err := s.db.QueryContext(ctx, selectLipid+` WHERE slice = ? ORDER BY min_mz, id`, slice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lipid
	for rows.Next() {
		l, err := scanLipid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Find returns the annotation of a slice with the given name, structure and cation.
func (s *Store) Find(ctx context.Context, slice int, name, structure, cation string) (Lipid, error) {
	row := s.db.QueryRowContext(ctx, selectLipid+` WHERE slice = ? AND name = ? AND structure = ? AND cation = ? ORDER BY id LIMIT 1`,
		slice, name, structure, cation)
	l, err := scanLipid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lipid{}, fmt.Errorf("%w: %s %s %s in slice %d", ErrLipidNotFound, name, structure, cation, slice)
	}
	return l, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLipid(row scanner) (Lipid, error) {
	var l Lipid
	err := row.Scan(&l.ID, &l.Slice, &l.Name, &l.Structure, &l.Cation,
		&l.TheoreticalMZ, &l.MinMZ, &l.MaxMZ, &l.MZEstimated, &l.NumPixels)
	return l, err
}
