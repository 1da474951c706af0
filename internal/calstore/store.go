// Package calstore persists delay-unit calibrations in SQLite so curves
// measured on one session can be registered by name on the next.
package calstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/glaze/internal/delayunit"
	"github.com/banshee-data/glaze/internal/glazeerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a calibration database.
type Store struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version. It returns 0, false,
// nil when no migration has been applied.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Save inserts or replaces the calibration stored under d's name.
func (s *Store) Save(d *delayunit.Delay) error {
	if d == nil {
		return glazeerr.Configf("cannot save nil delay unit")
	}
	kx, err := json.Marshal(nonNil(d.KnotsX))
	if err != nil {
		return fmt.Errorf("failed to encode knots: %w", err)
	}
	ky, err := json.Marshal(nonNil(d.KnotsY))
	if err != nil {
		return fmt.Errorf("failed to encode knots: %w", err)
	}

	_, err = s.DB.Exec(`
		INSERT INTO delay_units (name, id, family, time_window, knots_x, knots_y, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			family = excluded.family,
			time_window = excluded.time_window,
			knots_x = excluded.knots_x,
			knots_y = excluded.knots_y,
			created_at = excluded.created_at,
			updated_at = CURRENT_TIMESTAMP
	`, d.FriendlyName, d.ID.String(), string(d.Kind), d.TimeWindow, string(kx), string(ky), d.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save delay unit %q: %w", d.FriendlyName, err)
	}
	return nil
}

// Load returns the calibration stored under name. A missing name is a
// configuration error, matching registry lookups.
func (s *Store) Load(name string) (*delayunit.Delay, error) {
	row := s.DB.QueryRow(`
		SELECT name, id, family, time_window, knots_x, knots_y, created_at
		FROM delay_units WHERE name = ?`, name)
	d, err := scanDelay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, glazeerr.Configf("unknown delay unit %q", name)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// List returns every stored calibration ordered by name.
func (s *Store) List() ([]*delayunit.Delay, error) {
	rows, err := s.DB.Query(`
		SELECT name, id, family, time_window, knots_x, knots_y, created_at
		FROM delay_units ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list delay units: %w", err)
	}
	defer rows.Close()

	var out []*delayunit.Delay
	for rows.Next() {
		d, err := scanDelay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterAll loads every stored calibration into reg and returns how many
// were registered.
func (s *Store) RegisterAll(reg *delayunit.Registry) (int, error) {
	units, err := s.List()
	if err != nil {
		return 0, err
	}
	for _, d := range units {
		if err := reg.Register(d); err != nil {
			return 0, err
		}
	}
	return len(units), nil
}

// Delete removes the calibration stored under name.
func (s *Store) Delete(name string) error {
	res, err := s.DB.Exec(`DELETE FROM delay_units WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete delay unit %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return glazeerr.Configf("unknown delay unit %q", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelay(row rowScanner) (*delayunit.Delay, error) {
	var (
		d              delayunit.Delay
		id, family     string
		kx, ky         string
		createdAtValue string
	)
	if err := row.Scan(&d.FriendlyName, &id, &family, &d.TimeWindow, &kx, &ky, &createdAtValue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan delay unit: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse delay unit id %q: %w", id, err)
	}
	d.ID = parsed
	d.Kind = delayunit.Family(family)
	if d.Created, err = time.Parse(time.RFC3339Nano, createdAtValue); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAtValue, err)
	}
	if err := json.Unmarshal([]byte(kx), &d.KnotsX); err != nil {
		return nil, fmt.Errorf("failed to decode knots_x: %w", err)
	}
	if err := json.Unmarshal([]byte(ky), &d.KnotsY); err != nil {
		return nil, fmt.Errorf("failed to decode knots_y: %w", err)
	}
	if len(d.KnotsX) == 0 {
		d.KnotsX, d.KnotsY = nil, nil
	}
	if err := d.Prepare(); err != nil {
		return nil, err
	}
	return &d, nil
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
