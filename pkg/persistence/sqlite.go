package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/resource"
	"github.com/openfroyo/mgmtd/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultKeepVersions is the number of model versions kept by default.
const DefaultKeepVersions = 50

// SQLiteConfig holds SQLite persister configuration.
type SQLiteConfig struct {
	Path            string
	KeepVersions    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	// Release is the version of the running process, recorded with every
	// stored model. Load refuses a model written by a newer major release.
	// Versions that are not semantic versions ("dev") are not compared.
	Release string
}

// Version describes one stored model version.
type Version struct {
	ID         int64
	CreatedAt  time.Time
	Affected   []string
	Operations int
	Release    string
}

// SQLitePersister stores every committed model as a new version row. The
// row is written in a database transaction that commits or rolls back with
// the model transaction.
type SQLitePersister struct {
	cfg    SQLiteConfig
	db     *sql.DB
	logger *telemetry.Logger
}

var _ controller.ConfigurationPersister = (*SQLitePersister)(nil)

// NewSQLitePersister creates a persister. Call Open before use.
func NewSQLitePersister(cfg SQLiteConfig, logger *telemetry.Logger) (*SQLitePersister, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.KeepVersions <= 0 {
		cfg.KeepVersions = DefaultKeepVersions
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SQLitePersister{cfg: cfg, logger: logger.NewComponentLogger("persister")}, nil
}

// Open connects to the database and runs the migrations.
func (p *SQLitePersister) Open(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", p.cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	db.SetMaxIdleConns(p.cfg.MaxOpenConns)
	if p.cfg.Path != ":memory:" {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	p.db = db
	if err := p.migrate(); err != nil {
		_ = db.Close()
		p.db = nil
		return err
	}
	p.logger.Debugf("model store opened at %s", p.cfg.Path)
	return nil
}

func (p *SQLitePersister) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(p.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *SQLitePersister) HealthCheck(ctx context.Context) error {
	if p.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return p.db.PingContext(ctx)
}

// Store implements controller.ConfigurationPersister.
func (p *SQLitePersister) Store(ctx context.Context, model *resource.Resource, affected []address.PathAddress) (controller.PersistenceResource, error) {
	if p.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	opsJSON, err := json.Marshal(ModelToOperations(model))
	if err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	names := make([]string, len(affected))
	for i, a := range affected {
		names[i] = a.String()
	}
	affectedJSON, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("failed to encode affected addresses: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO model_versions (created_at, affected, operations, written_by) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), string(affectedJSON), string(opsJSON), p.cfg.Release)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to insert model version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to get version id: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM model_versions WHERE id <= ?`, id-int64(p.cfg.KeepVersions))
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to prune model versions: %w", err)
	}

	return &pending{
		commit: func() error {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit model version %d: %w", id, err)
			}
			p.logger.Debugf("stored model version %d", id)
			return nil
		},
		rollback: func() { _ = tx.Rollback() },
	}, nil
}

// Load implements controller.ConfigurationPersister. It returns the latest
// version, or no operations for an empty store.
func (p *SQLitePersister) Load(ctx context.Context) ([]*ops.Operation, error) {
	if p.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	var (
		id           int64
		raw, release string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, operations, written_by FROM model_versions ORDER BY id DESC LIMIT 1`).Scan(&id, &raw, &release)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if err := p.checkRelease(id, release); err != nil {
		return nil, err
	}
	return decodeOperations(raw)
}

// checkRelease rejects a model written by a newer major release than the
// running one.
func (p *SQLitePersister) checkRelease(id int64, stored string) error {
	if stored == "" || p.cfg.Release == "" {
		return nil
	}
	current, err := semver.NewVersion(p.cfg.Release)
	if err != nil {
		return nil
	}
	written, err := semver.NewVersion(stored)
	if err != nil {
		p.logger.Debugf("model version %d has non-semver release %q", id, stored)
		return nil
	}
	if written.Major() > current.Major() {
		return fmt.Errorf("model version %d was written by release %s, which is newer than %s", id, written, current)
	}
	return nil
}

// LoadVersion returns the boot operations of one stored version.
func (p *SQLitePersister) LoadVersion(ctx context.Context, id int64) ([]*ops.Operation, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `SELECT operations FROM model_versions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model version not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model version %d: %w", id, err)
	}
	return decodeOperations(raw)
}

// ListVersions lists stored versions, newest first.
func (p *SQLitePersister) ListVersions(ctx context.Context, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = p.cfg.KeepVersions
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, created_at, affected, operations, written_by FROM model_versions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var (
			v                 Version
			affected, opsJSON string
		)
		if err := rows.Scan(&v.ID, &v.CreatedAt, &affected, &opsJSON, &v.Release); err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}
		if err := json.Unmarshal([]byte(affected), &v.Affected); err != nil {
			return nil, fmt.Errorf("invalid affected addresses in version %d: %w", v.ID, err)
		}
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(opsJSON), &list); err != nil {
			return nil, fmt.Errorf("invalid operations in version %d: %w", v.ID, err)
		}
		v.Operations = len(list)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model versions: %w", err)
	}
	return versions, nil
}

func decodeOperations(raw string) ([]*ops.Operation, error) {
	var list []*ops.Operation
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode stored operations: %w", err)
	}
	return list, nil
}
