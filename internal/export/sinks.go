package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mbd888/trustscore/internal/kvstore"
	"github.com/mbd888/trustscore/internal/validation"
)

var ErrInvalidSessionID = errors.New("export: invalid session id")

// ---------------------------------------------------------------------------
// FileSink
// ---------------------------------------------------------------------------

// FileSink writes one file per session into a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file" }

// Path returns where a session's export is written.
func (s *FileSink) Path(sessionID string) string {
	return filepath.Join(s.dir, "session_"+sessionID+".json")
}

// Write replaces the file atomically via a temp file and rename.
func (s *FileSink) Write(_ context.Context, sessionID string, doc []byte) error {
	if !validation.IsValidSessionID(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	tmp, err := os.CreateTemp(s.dir, ".export-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp export: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(sessionID)); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// KVSink
// ---------------------------------------------------------------------------

// KeyPrefix namespaces exports in the KV store.
const KeyPrefix = "export:"

// KVSink stores exports in a kvstore.Store with a TTL.
type KVSink struct {
	store kvstore.Store
	ttl   time.Duration
}

// NewKVSink creates a KV-backed sink. A zero ttl keeps exports forever.
func NewKVSink(store kvstore.Store, ttl time.Duration) *KVSink {
	return &KVSink{store: store, ttl: ttl}
}

func (s *KVSink) Name() string { return "kv" }

func (s *KVSink) Write(ctx context.Context, sessionID string, doc []byte) error {
	if err := s.store.Put(ctx, KeyPrefix+sessionID, doc, s.ttl); err != nil {
		return fmt.Errorf("failed to store export: %w", err)
	}
	return nil
}

// Load returns a stored export.
func (s *KVSink) Load(ctx context.Context, sessionID string) ([]byte, error) {
	return s.store.Get(ctx, KeyPrefix+sessionID)
}

// ---------------------------------------------------------------------------
// PostgresSink
// ---------------------------------------------------------------------------

// PostgresSink upserts exports into the session_exports table.
type PostgresSink struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, sessionID string, doc []byte) error {
	var probe struct {
		Metadata struct {
			Minimal bool `json:"minimal"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return fmt.Errorf("failed to decode export: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_exports (session_id, document, minimal, exported_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET document = EXCLUDED.document,
		    minimal = EXCLUDED.minimal,
		    exported_at = EXCLUDED.exported_at
	`, sessionID, doc, probe.Metadata.Minimal, s.now())
	if err != nil {
		return fmt.Errorf("failed to store export: %w", err)
	}
	return nil
}

// Load returns the stored export for a session.
func (s *PostgresSink) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM session_exports WHERE session_id = $1
	`, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load export: %w", err)
	}
	return doc, nil
}
