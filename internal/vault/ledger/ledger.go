package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnavailable marks storage-layer failures of the ledger. Callers are
// expected to degrade lookups to cache misses on this error rather than
// failing the whole request; a miss only triggers a redundant but correct
// re-fetch.
var ErrUnavailable = errors.New("ledger unavailable")

// Ledger provides durable storage for render records.
// Uses SQLite with WAL mode for concurrent read access.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the ledger database at the given path.
// Applies required pragmas and the schema automatically; safe to call
// against an existing database.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	// to avoid SQLITE_BUSY errors under concurrent upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug("Ledger database opened", zap.String("path", path))

	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Lookup returns the most recent record matching the key, or found=false.
// When CanonicalRenderID is set it is matched first (authoritative, most
// specific); otherwise the request render id index is used.
// Storage errors wrap ErrUnavailable.
func (l *Ledger) Lookup(ctx context.Context, key LookupKey) (*RenderRecord, bool, error) {
	var row *sql.Row

	switch {
	case key.CanonicalRenderID != "":
		row = l.db.QueryRowContext(ctx, `
			SELECT application_id, report_id, COALESCE(request_render_id, ''),
			       canonical_render_id, artifact_name, artifact_location, created_at
			FROM render_records
			WHERE application_id = ? AND report_id = ? AND canonical_render_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, key.ApplicationID, key.ReportID, key.CanonicalRenderID)
	case key.RequestRenderID != "":
		row = l.db.QueryRowContext(ctx, `
			SELECT application_id, report_id, COALESCE(request_render_id, ''),
			       canonical_render_id, artifact_name, artifact_location, created_at
			FROM render_records
			WHERE application_id = ? AND report_id = ? AND request_render_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		`, key.ApplicationID, key.ReportID, key.RequestRenderID)
	default:
		return nil, false, fmt.Errorf("lookup requires a request or canonical render id")
	}

	var record RenderRecord
	err := row.Scan(
		&record.ApplicationID,
		&record.ReportID,
		&record.RequestRenderID,
		&record.CanonicalRenderID,
		&record.ArtifactName,
		&record.ArtifactLocation,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		l.logger.Error("Ledger lookup failed",
			zap.String("application_id", key.ApplicationID),
			zap.String("report_id", key.ReportID),
			zap.String("request_render_id", key.RequestRenderID),
			zap.String("canonical_render_id", key.CanonicalRenderID),
			zap.Error(err))
		return nil, false, fmt.Errorf("%w: lookup: %v", ErrUnavailable, err)
	}

	return &record, true, nil
}

// Upsert inserts a record, or on a conflict against the dedup key refreshes
// the artifact location, timestamp and (when newly known) the request render
// id. Atomicity under concurrent writers comes from SQLite's constraint
// handling, not from an application-level lock.
// Storage errors wrap ErrUnavailable.
func (l *Ledger) Upsert(ctx context.Context, record *RenderRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO render_records
		(application_id, report_id, request_render_id, canonical_render_id,
		 artifact_name, artifact_location, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?)
		ON CONFLICT (application_id, report_id, canonical_render_id, artifact_name)
		DO UPDATE SET
			artifact_location = excluded.artifact_location,
			created_at = excluded.created_at,
			request_render_id = COALESCE(excluded.request_render_id, render_records.request_render_id)
	`,
		record.ApplicationID,
		record.ReportID,
		record.RequestRenderID,
		record.CanonicalRenderID,
		record.ArtifactName,
		record.ArtifactLocation,
		record.CreatedAt,
	)
	if err != nil {
		l.logger.Error("Ledger upsert failed",
			zap.String("application_id", record.ApplicationID),
			zap.String("report_id", record.ReportID),
			zap.String("canonical_render_id", record.CanonicalRenderID),
			zap.String("artifact_name", record.ArtifactName),
			zap.Error(err))
		return fmt.Errorf("%w: upsert: %v", ErrUnavailable, err)
	}

	l.logger.Debug("Ledger record upserted",
		zap.String("application_id", record.ApplicationID),
		zap.String("report_id", record.ReportID),
		zap.String("canonical_render_id", record.CanonicalRenderID),
		zap.String("artifact_location", record.ArtifactLocation))

	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}
