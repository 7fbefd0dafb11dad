package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

const dbTimeout = 2 * time.Second

// Supported database drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// Both dialects accept this DDL and REPLACE INTO. Reports can reach
// megabytes, past a MySQL TEXT column.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS analysis_results (
		sha256         VARCHAR(64) NOT NULL PRIMARY KEY,
		classification VARCHAR(16) NOT NULL,
		score          DOUBLE NOT NULL,
		reason         TEXT,
		backend        VARCHAR(32) NOT NULL,
		report         LONGTEXT,
		analyzed_at    DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS samples (
		uuid          VARCHAR(36) NOT NULL PRIMARY KEY,
		submission_id BIGINT NOT NULL,
		sha256        VARCHAR(64) NOT NULL,
		full_name     TEXT NOT NULL,
		name_declared TEXT,
		state         VARCHAR(16) NOT NULL,
		cause         TEXT,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	)`,
}

const sampleColumns = "uuid, submission_id, sha256, full_name, name_declared, state, cause, created_at, updated_at"

// SQLStore implements Store over database/sql using prepared statements and
// context timeouts.
type SQLStore struct {
	db             *sql.DB
	driver         string
	stmtGetVerdict *sql.Stmt
	stmtPutVerdict *sql.Stmt
	stmtPutSample  *sql.Stmt
	stmtGetSample  *sql.Stmt
	stmtRecent     *sql.Stmt
}

// ParseURL splits a db_url of the form mysql://<dsn> or sqlite3://<path>
// into a driver name and data source name.
func ParseURL(rawURL string) (driver, dsn string, err error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("repository: malformed db url %q", rawURL)
	}
	switch scheme {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(rest)
		if err != nil {
			return "", "", fmt.Errorf("repository: mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		return DriverMySQL, cfg.FormatDSN(), nil
	case DriverSQLite, "sqlite":
		return DriverSQLite, rest, nil
	default:
		return "", "", fmt.Errorf("repository: unsupported database %q", scheme)
	}
}

// Open connects to the database named by rawURL, creates the schema and
// prepares all statements. The returned store owns the *sql.DB.
func Open(ctx context.Context, rawURL string) (*SQLStore, error) {
	driver, dsn, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite && !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("repository: create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", driver, err)
	}

	switch driver {
	case DriverSQLite:
		// One writer at a time; also keeps :memory: on a single connection.
		db.SetMaxOpenConns(1)
	default:
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping %s: %w", driver, err)
	}

	store, err := NewSQLStore(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore creates the schema on db and prepares all statements up front.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("repository: create schema: %w", err)
		}
	}

	s := &SQLStore{db: db, driver: driver}
	var err error
	prepare := func(dst **sql.Stmt, name, query string) {
		if err != nil {
			return
		}
		*dst, err = db.PrepareContext(ctx, query)
		if err != nil {
			err = fmt.Errorf("repository: prepare %s: %w", name, err)
		}
	}

	prepare(&s.stmtGetVerdict, "getVerdict",
		"SELECT classification, score, reason, backend, report, analyzed_at FROM analysis_results WHERE sha256 = ?")
	prepare(&s.stmtPutVerdict, "saveVerdict",
		"REPLACE INTO analysis_results (sha256, classification, score, reason, backend, report, analyzed_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	prepare(&s.stmtPutSample, "saveSample",
		"REPLACE INTO samples ("+sampleColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	prepare(&s.stmtGetSample, "getSample",
		"SELECT "+sampleColumns+" FROM samples WHERE uuid = ?")
	prepare(&s.stmtRecent, "listRecent",
		"SELECT "+sampleColumns+" FROM samples ORDER BY updated_at DESC LIMIT ?")
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the database/sql driver name in use.
func (r *SQLStore) Driver() string { return r.driver }

// GetVerdict looks up the cached analysis result for a content hash.
func (r *SQLStore) GetVerdict(ctx context.Context, sha256 string) (*sample.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	v := &sample.Verdict{}
	var reason, report sql.NullString
	var class string
	err := r.stmtGetVerdict.QueryRowContext(ctx, sha256).Scan(
		&class, &v.Score, &reason, &v.Backend, &report, &v.AnalyzedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo getVerdict: %w", err)
	}
	v.Classification = sample.Classification(class)
	v.Reason = reason.String
	if report.Valid && json.Valid([]byte(report.String)) {
		v.Report = json.RawMessage(report.String)
	}
	return v, nil
}

// SaveVerdict stores the verdict for a content hash, replacing any previous one.
func (r *SQLStore) SaveVerdict(ctx context.Context, sha256 string, v *sample.Verdict) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var report sql.NullString
	if len(v.Report) > 0 {
		report = sql.NullString{String: string(v.Report), Valid: true}
	}
	analyzedAt := v.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now()
	}

	_, err := r.stmtPutVerdict.ExecContext(ctx,
		sha256, string(v.Classification), v.Score, v.Reason, v.Backend, report, analyzedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo saveVerdict: %w", err)
	}
	return nil
}

// SaveSample writes the journal entry of a sample.
func (r *SQLStore) SaveSample(ctx context.Context, rec *SampleRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := r.stmtPutSample.ExecContext(ctx,
		rec.UUID, rec.SubmissionID, rec.SHA256, rec.FullName, rec.DeclaredName,
		rec.State, rec.Cause, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("repo saveSample: %w", err)
	}
	return nil
}

// GetSample retrieves a journal entry by UUID.
func (r *SQLStore) GetSample(ctx context.Context, uuid string) (*SampleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rec, err := scanSample(r.stmtGetSample.QueryRowContext(ctx, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo getSample: %w", err)
	}
	return rec, nil
}

// ListRecent retrieves the most recently updated journal entries.
func (r *SQLStore) ListRecent(ctx context.Context, limit int) ([]*SampleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.stmtRecent.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("repo listRecent: %w", err)
	}
	defer rows.Close()

	var records []*SampleRecord
	for rows.Next() {
		rec, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("repo listRecent scan: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases all prepared statements and the database handle.
func (r *SQLStore) Close() error {
	for _, s := range []*sql.Stmt{r.stmtGetVerdict, r.stmtPutVerdict, r.stmtPutSample, r.stmtGetSample, r.stmtRecent} {
		if s != nil {
			s.Close()
		}
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*SampleRecord, error) {
	rec := &SampleRecord{}
	var declared, cause sql.NullString
	err := row.Scan(&rec.UUID, &rec.SubmissionID, &rec.SHA256, &rec.FullName, &declared,
		&rec.State, &cause, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.DeclaredName = declared.String
	rec.Cause = cause.String
	return rec, nil
}
