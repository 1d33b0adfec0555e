package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Dialect selects placeholder syntax and the database/sql driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const DefaultCheckpointTable = "projection_checkpoints"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLCheckpointStore keeps checkpoints in a relational table with one row per
// (projection, stream).
type SQLCheckpointStore struct {
	db      *sql.DB
	dialect Dialect
	table   string

	loadQuery  string
	saveQuery  string
	resetQuery string
}

// OpenSQLCheckpointStore opens dsn with the dialect's driver and prepares the
// table. The store owns the connection; Close releases it.
func OpenSQLCheckpointStore(ctx context.Context, dialect Dialect, dsn string) (*SQLCheckpointStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLCheckpointStore(ctx, db, dialect, DefaultCheckpointTable)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLCheckpointStore wraps an existing pool. The table is created when
// missing.
func NewSQLCheckpointStore(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLCheckpointStore, error) {
	if db == nil {
		return nil, errors.New("projection: database is required")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("projection: unsupported dialect %q", dialect)
	}
	if table == "" {
		table = DefaultCheckpointTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("projection: invalid table name %q", table)
	}

	s := &SQLCheckpointStore{db: db, dialect: dialect, table: table}
	s.buildQueries()
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLCheckpointStore) buildQueries() {
	p1, p2, p3 := "?", "?", "?"
	if s.dialect == DialectPostgres {
		p1, p2, p3 = "$1", "$2", "$3"
	}
	s.loadQuery = fmt.Sprintf(`SELECT version FROM %s WHERE projection = %s AND stream = %s`, s.table, p1, p2)
	s.saveQuery = fmt.Sprintf(`
	INSERT INTO %[1]s (projection, stream, version, updated_at)
	VALUES (%[2]s, %[3]s, %[4]s, CURRENT_TIMESTAMP)
	ON CONFLICT (projection, stream) DO UPDATE
		SET version = excluded.version, updated_at = CURRENT_TIMESTAMP
		WHERE %[1]s.version < excluded.version`, s.table, p1, p2, p3)
	s.resetQuery = fmt.Sprintf(`DELETE FROM %s WHERE projection = %s AND stream = %s`, s.table, p1, p2)
}

func (s *SQLCheckpointStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		projection TEXT NOT NULL,
		stream TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (projection, stream)
	)`, s.table))
	return err
}

// Load returns the stored version for key.
func (s *SQLCheckpointStore) Load(ctx context.Context, key CheckpointKey) (int64, bool, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, s.loadQuery, key.Projection, key.Stream).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading checkpoint %s/%s: %w", key.Projection, key.Stream, err)
	}
	return version, true, nil
}

// Save upserts version. A lower version leaves the row untouched.
func (s *SQLCheckpointStore) Save(ctx context.Context, key CheckpointKey, version int64) error {
	if _, err := s.db.ExecContext(ctx, s.saveQuery, key.Projection, key.Stream, version); err != nil {
		return fmt.Errorf("saving checkpoint %s/%s: %w", key.Projection, key.Stream, err)
	}
	return nil
}

// Reset deletes the checkpoint for key.
func (s *SQLCheckpointStore) Reset(ctx context.Context, key CheckpointKey) error {
	if _, err := s.db.ExecContext(ctx, s.resetQuery, key.Projection, key.Stream); err != nil {
		return fmt.Errorf("resetting checkpoint %s/%s: %w", key.Projection, key.Stream, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLCheckpointStore) Close() error {
	return s.db.Close()
}
