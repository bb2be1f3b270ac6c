package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recordable/server/internal/score"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteStore persists scores as snappy-compressed blobs in a SQLite database.
type SQLiteStore struct {
	sqlDB *sql.DB
	codec Compressor
	now   func() time.Time
}

// OpenSQLite opens the database at path and applies the embedded migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := strings.TrimPrefix(path, "file:")
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if err := applyMigrations(sqlDB, migrationFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, codec: NewSnappyCompressor(), now: time.Now}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// StoreScore implements Store.
func (s *SQLiteStore) StoreScore(ctx context.Context, data []byte) (score.ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	compressed, err := s.codec.Compress(data)
	if err != nil {
		return "", fmt.Errorf("compress score: %w", err)
	}
	id := score.NewID()
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO scores (id, data, codec, raw_bytes, final_tick, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), compressed, s.codec.Name(), len(data), describe(data), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert score: %w", err)
	}
	return id, nil
}

// RequestScore implements Store.
func (s *SQLiteStore) RequestScore(ctx context.Context, id score.ID) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var (
		blob  []byte
		codec string
	)
	row := s.sqlDB.QueryRowContext(ctx, `SELECT data, codec FROM scores WHERE id = ?`, string(id))
	if err := row.Scan(&blob, &codec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get score: %w", err)
	}
	compressor, err := CompressorByName(codec)
	if err != nil {
		return nil, err
	}
	data, err := compressor.Decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("decompress score: %w", err)
	}
	return NewRequest(id, data, nil), nil
}

// List implements Lister.
func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, raw_bytes, final_tick, codec, created_at FROM scores ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var (
			info      Info
			id        string
			createdAt int64
		)
		if err := rows.Scan(&id, &info.Bytes, &info.FinalTick, &info.Codec, &createdAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		info.ID = score.ID(id)
		info.CreatedAt = time.UnixMilli(createdAt).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return infos, nil
}

// Delete implements Deleter.
func (s *SQLiteStore) Delete(ctx context.Context, id score.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM scores WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete score: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete score: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// applyMigrations executes embedded migrations from root at most once per file.
func applyMigrations(sqlDB *sql.DB, migrations fs.FS, root string) error {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := `CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		//1.- Skip files already recorded so reopening a database is idempotent.
		var found int
		err := sqlDB.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		content, err := fs.ReadFile(migrations, root+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		//2.- Apply the migration and its bookkeeping row in one transaction.
		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
