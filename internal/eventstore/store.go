// Package eventstore keeps a SQLite ledger of received uploads and generated
// annotations.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/config"
	_ "modernc.org/sqlite"
)

// Upload kinds.
const (
	KindAudio = "audio"
	KindImage = "image"
)

// Upload is one stored file.
type Upload struct {
	ID        int64
	Kind      string
	Filename  string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// Annotation is one transcript and the model output generated for it.
type Annotation struct {
	ID         int64
	Transcript string
	Output     string
	Backend    string
	Latency    time.Duration
	CreatedAt  time.Time
}

// Store wraps the SQLite ledger. In ephemeral mode nothing is written and
// ids are handed out from memory.
type Store struct {
	db     *sql.DB
	cfg    config.EventStoreConfig
	log    *slog.Logger
	clock  func() time.Time
	nextID atomic.Int64
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS uploads (
    upload_id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    file_name TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_kind_created ON uploads(kind, created_at);
CREATE TABLE IF NOT EXISTS annotations (
    annotation_id INTEGER PRIMARY KEY AUTOINCREMENT,
    transcript TEXT NOT NULL,
    output TEXT NOT NULL,
    backend TEXT,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordUpload inserts an upload row and returns its id. The path may be
// left empty and filled in later with SetUploadPath once the id-derived
// location is known.
func (s *Store) RecordUpload(ctx context.Context, up Upload) (int64, error) {
	if s.disabled() {
		return s.nextID.Add(1), nil
	}
	if up.CreatedAt.IsZero() {
		up.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads(kind, file_name, path, size_bytes, created_at) VALUES(?, ?, ?, ?, ?)`,
		up.Kind, up.Filename, up.Path, up.SizeBytes, up.CreatedAt.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert upload: %w", err)
	}
	return res.LastInsertId()
}

// SetUploadPath records where an upload was written.
func (s *Store) SetUploadPath(ctx context.Context, id int64, path string, size int64) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET path = ?, size_bytes = ? WHERE upload_id = ?`, path, size, id)
	if err != nil {
		return fmt.Errorf("update upload %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update upload %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RecordAnnotation stores a transcript and its generated output.
func (s *Store) RecordAnnotation(ctx context.Context, a Annotation) (int64, error) {
	if s.disabled() {
		return s.nextID.Add(1), nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO annotations(transcript, output, backend, latency_ms, created_at) VALUES(?, ?, ?, ?, ?)`,
		a.Transcript, a.Output, a.Backend, a.Latency.Milliseconds(), a.CreatedAt.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert annotation: %w", err)
	}
	return res.LastInsertId()
}

// ListUploads returns up to limit uploads of kind, newest first. An empty kind
// lists every upload.
func (s *Store) ListUploads(ctx context.Context, kind string, limit int) ([]Upload, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, kind, file_name, path, size_bytes, created_at
		 FROM uploads WHERE (? = '' OR kind = ?) ORDER BY created_at DESC, upload_id DESC LIMIT ?`,
		kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		var u Upload
		var created int64
		if err := rows.Scan(&u.ID, &u.Kind, &u.Filename, &u.Path, &u.SizeBytes, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(0, created).UTC()
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// ListAnnotations returns up to limit annotations, newest first.
func (s *Store) ListAnnotations(ctx context.Context, limit int) ([]Annotation, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT annotation_id, transcript, output, backend, latency_ms, created_at
		 FROM annotations ORDER BY created_at DESC, annotation_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var a Annotation
		var backend sql.NullString
		var latencyMS, created int64
		if err := rows.Scan(&a.ID, &a.Transcript, &a.Output, &backend, &latencyMS, &created); err != nil {
			return nil, err
		}
		a.Backend = backend.String
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		a.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
// Only ledger rows are removed; files on disk are left in place.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode != "persistent" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM annotations WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxUploads > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id IN (
			SELECT upload_id FROM uploads ORDER BY created_at DESC, upload_id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxUploads)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure reports a misconfigured store.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// Healthy pings the database when one is open.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.db == nil {
		return true
	}
	return s.db.PingContext(ctx) == nil
}
