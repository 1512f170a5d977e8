package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/vector"
)

// SQLiteStore implements Store using SQLite in WAL mode with synchronous commits.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	// mu serializes Put so the dimension check and insert share one transaction view.
	mu sync.Mutex
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	o.logger.Debug("Opened SQLite store", zap.String("path", dbPath))
	return &SQLiteStore{db: db, path: dbPath, logger: o.logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vector_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		vector BLOB NOT NULL,
		normalized INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_vector_records_label ON vector_records(label);
	`
	_, err := db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Put appends a record in its own transaction.
func (s *SQLiteStore) Put(ctx context.Context, label string, vec []float32) (*models.VectorRecord, error) {
	if err := checkPut(label, vec, 0); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	var dims int
	err = tx.QueryRowContext(ctx, `SELECT dimensions FROM vector_records LIMIT 1`).Scan(&dims)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("read dimensions", err)
	}
	if err := checkPut(label, vec, dims); err != nil {
		return nil, err
	}

	rec := &models.VectorRecord{
		ID:         uuid.NewString(),
		Label:      label,
		Vector:     append([]float32(nil), vec...),
		Normalized: vector.IsNormalized(vec),
		CreatedAt:  time.Now().UTC(),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO vector_records (id, label, dimensions, vector, normalized, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Label, len(vec), vector.EncodeFloat32s(vec), rec.Normalized, rec.CreatedAt,
	)
	if err != nil {
		return nil, unavailable("insert record", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("read sequence", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit", err)
	}
	rec.Seq = uint64(seq)
	return rec, nil
}

const recordColumns = `seq, id, label, vector, normalized, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.VectorRecord, error) {
	var rec models.VectorRecord
	var blob []byte
	var seq int64
	if err := row.Scan(&seq, &rec.ID, &rec.Label, &blob, &rec.Normalized, &rec.CreatedAt); err != nil {
		return nil, err
	}
	v, err := vector.DecodeFloat32s(blob)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Vector = v
	rec.Seq = uint64(seq)
	return &rec, nil
}

// Get returns a record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.VectorRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM vector_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable("get record", err)
	}
	return rec, nil
}

// GetAll returns all records ordered by sequence.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]*models.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM vector_records ORDER BY seq`)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()
	var out []*models.VectorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list records", err)
	}
	return out, nil
}

// Delete removes a record by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (*models.VectorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM vector_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable("get record", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vector_records WHERE id = ?`, id); err != nil {
		return nil, unavailable("delete record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit", err)
	}
	return rec, nil
}

// Count returns the number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&n); err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

// Stats returns count, dimension and the last sequence number.
func (s *SQLiteStore) Stats(ctx context.Context) (*models.StoreStats, error) {
	var st models.StoreStats
	var dims sql.NullInt64
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), (SELECT dimensions FROM vector_records LIMIT 1), MAX(seq) FROM vector_records`,
	).Scan(&st.Count, &dims, &last)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	st.Dimensions = int(dims.Int64)
	st.LastSeq = uint64(last.Int64)
	return &st, nil
}

// Labels returns per-label counts.
func (s *SQLiteStore) Labels(ctx context.Context) ([]*models.LabelCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, COUNT(*) FROM vector_records GROUP BY label ORDER BY label`)
	if err != nil {
		return nil, unavailable("list labels", err)
	}
	defer rows.Close()
	var out []*models.LabelCount
	for rows.Next() {
		var lc models.LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, unavailable("scan label", err)
		}
		out = append(out, &lc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list labels", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
