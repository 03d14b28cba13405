// Package store persists the small amount of client state that should
// survive a restart: per-team sync watermarks and free-form metadata.
// Everything in here is non-secret; keys and identities never touch
// disk through this package.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/servehq/serve-sdk-go/internal/client/store/migrations"
	"github.com/servehq/serve-sdk-go/internal/dbx"
)

// Store owns the SQLite handle and hands out repositories bound to it.
type Store struct {
	db         *sql.DB
	Watermarks *WatermarkRepository
	Metadata   *MetadataRepository
}

// Open opens (or creates) the SQLite database at dsn and applies the
// embedded migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dsn, err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store %s: %w", dsn, err)
	}
	return &Store{
		db:         db,
		Watermarks: NewWatermarkRepository(db),
		Metadata:   NewMetadataRepository(db),
	}, nil
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one transaction against the store's database.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// WatermarkRepository persists the highest applied sync version per
// team, so a restarted client resumes instead of refetching history.
type WatermarkRepository struct {
	db dbx.DBTX
}

func NewWatermarkRepository(db dbx.DBTX) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Get returns the stored watermark for teamID, -1 when the team has
// never been synced on this device.
func (r *WatermarkRepository) Get(ctx context.Context, teamID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM watermarks WHERE team_id = ?`, teamID).Scan(&version)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to get watermark[%s]: %w", teamID, err)
	}
	return version, nil
}

func (r *WatermarkRepository) Set(ctx context.Context, teamID string, version int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO watermarks (team_id, version) VALUES (?, ?)
		ON CONFLICT(team_id) DO UPDATE SET version = excluded.version
	`, teamID, version)
	if err != nil {
		return fmt.Errorf("failed to set watermark[%s]: %w", teamID, err)
	}
	return nil
}

func (r *WatermarkRepository) Delete(ctx context.Context, teamID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM watermarks WHERE team_id = ?`, teamID)
	if err != nil {
		return fmt.Errorf("failed to delete watermark[%s]: %w", teamID, err)
	}
	return nil
}

// All returns every stored watermark, keyed by team id.
func (r *WatermarkRepository) All(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT team_id, version FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var teamID string
		var version int64
		if err := rows.Scan(&teamID, &version); err != nil {
			return nil, fmt.Errorf("failed to scan watermark row: %w", err)
		}
		result[teamID] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watermark rows: %w", err)
	}
	return result, nil
}

// MetadataRepository is a key/value escape hatch for small client state
// (last server URL, schema hints).
type MetadataRepository struct {
	db dbx.DBTX
}

func NewMetadataRepository(db dbx.DBTX) *MetadataRepository {
	return &MetadataRepository{db: db}
}

func (r *MetadataRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *MetadataRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *MetadataRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}
