// Package metadata persists the per-object attributes that do not live in the
// fragments themselves: logical size, checksum, content type and the length
// table needed to strip padding on decode.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNoRecord is returned when no metadata is stored for a name.
var ErrNoRecord = errors.New("no metadata record")

// Record is the metadata of one stored object.
type Record struct {
	Name            string
	Size            int64
	Checksum        string
	ContentType     string
	FragmentLengths []int64
	PhysicalSize    int64
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// Store keeps object metadata in a SQLite database.
type Store struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens (creating if needed) the metadata database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("metadata path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces the record for rec.Name. CreatedAt is preserved
// when a record already exists.
func (s *Store) Put(ctx context.Context, rec Record) error {
	lengths, err := json.Marshal(rec.FragmentLengths)
	if err != nil {
		return fmt.Errorf("encode length table: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO objects (name, size, checksum, content_type, fragment_lengths, physical_size, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			size = excluded.size,
			checksum = excluded.checksum,
			content_type = excluded.content_type,
			fragment_lengths = excluded.fragment_lengths,
			physical_size = excluded.physical_size,
			modified_at = excluded.modified_at`,
		rec.Name, rec.Size, rec.Checksum, rec.ContentType, string(lengths), rec.PhysicalSize, rec.CreatedAt, rec.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert object metadata: %w", err)
	}
	return nil
}

const selectColumns = `SELECT name, size, checksum, content_type, fragment_lengths, physical_size, created_at, modified_at FROM objects`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec         Record
		contentType sql.NullString
		lengths     string
	)

	if err := row.Scan(&rec.Name, &rec.Size, &rec.Checksum, &contentType, &lengths, &rec.PhysicalSize, &rec.CreatedAt, &rec.ModifiedAt); err != nil {
		return Record{}, err
	}

	if err := json.Unmarshal([]byte(lengths), &rec.FragmentLengths); err != nil {
		return Record{}, fmt.Errorf("decode length table for %q: %w", rec.Name, err)
	}

	rec.ContentType = contentType.String
	return rec, nil
}

// Get returns the record stored for name, or ErrNoRecord.
func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup object metadata: %w", err)
	}
	return rec, nil
}

// Delete removes the record for name. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete object metadata: %w", err)
	}
	return nil
}

// List returns every record ordered by name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list object metadata: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan object metadata: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list object metadata: %w", err)
	}
	return records, nil
}
