package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
)

const (
	blobSuffix   = ".score.zst"
	headerSuffix = ".header.json"
)

// FileOptions configures a FileStore.
type FileOptions struct {
	Retention RetentionPolicy
	// SweepDelay debounces retention sweeps after writes. Zero disables write-triggered sweeps.
	SweepDelay time.Duration
	Logger     *logging.Logger
	Clock      func() time.Time
}

// FileStore persists each score as a zstd blob plus a JSON header sidecar and records
// every mutation in a snappy-framed audit log.
type FileStore struct {
	dir     string
	codec   Compressor
	audit   *auditLog
	cleaner *Cleaner
	log     *logging.Logger
	now     func() time.Time
}

// OpenFileStore prepares dir and opens the audit log.
func OpenFileStore(dir string, opts FileOptions) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create score dir: %w", err)
	}
	codec, err := NewZstdCompressor()
	if err != nil {
		return nil, err
	}
	audit, err := openAuditLog(filepath.Join(dir, AuditFileName))
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	store := &FileStore{dir: dir, codec: codec, audit: audit, log: logger, now: clock}
	store.cleaner = NewCleaner(dir, opts.Retention, opts.SweepDelay, logger)
	store.cleaner.now = clock
	store.cleaner.onRemove = func(id score.ID, reason string) {
		store.appendAudit(AuditEvent{Action: AuditExpired, ScoreID: id, Reason: reason})
	}
	return store, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string { return f.dir }

// Cleaner exposes the retention cleaner so callers can run it on an interval.
func (f *FileStore) Cleaner() *Cleaner { return f.cleaner }

// StoreScore implements Store.
func (f *FileStore) StoreScore(ctx context.Context, data []byte) (score.ID, error) {
	if f == nil {
		return "", errors.New("storage is not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("refusing to store an empty score")
	}
	id := score.NewID()
	//1.- Compress and write the blob before the header so readers never see a dangling header.
	compressed, err := f.codec.Compress(data)
	if err != nil {
		return "", fmt.Errorf("compress score: %w", err)
	}
	if err := writeFileAtomic(f.blobPath(id), compressed); err != nil {
		return "", fmt.Errorf("write score blob: %w", err)
	}
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		ScoreID:       id,
		FilePointer:   filepath.Base(f.blobPath(id)),
		Codec:         f.codec.Name(),
		RawBytes:      len(data),
		FinalTick:     describe(data),
		CreatedAt:     f.now().UTC(),
	}
	if err := WriteHeader(f.headerPath(id), header); err != nil {
		_ = os.Remove(f.blobPath(id))
		return "", fmt.Errorf("write score header: %w", err)
	}
	//2.- Record the mutation and let the cleaner catch up once writes settle.
	f.appendAudit(AuditEvent{Action: AuditStored, ScoreID: id, Bytes: len(data)})
	f.cleaner.Trigger()
	return id, nil
}

// RequestScore implements Store.
func (f *FileStore) RequestScore(ctx context.Context, id score.ID) (*Request, error) {
	if f == nil {
		return nil, errors.New("storage is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	//1.- Identifiers become file names, so anything that is not a UUID cannot exist.
	if _, err := score.ParseID(string(id)); err != nil {
		return nil, ErrNotFound
	}
	header, err := ReadHeader(f.headerPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read score header: %w", err)
	}
	codec, err := CompressorByName(header.Codec)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(filepath.Join(f.dir, filepath.Base(header.FilePointer)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read score blob: %w", err)
	}
	data, err := codec.Decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("decompress score: %w", err)
	}
	//2.- Guard against torn writes that left a blob of the wrong length.
	if len(data) != header.RawBytes {
		return nil, fmt.Errorf("score %s: expected %d bytes, found %d", id, header.RawBytes, len(data))
	}
	return NewRequest(id, data, nil), nil
}

// List implements Lister by reading every header in the store directory.
func (f *FileStore) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	headers, err := ListHeaders(f.dir)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(headers))
	for _, header := range headers {
		infos = append(infos, header.Info())
	}
	sortInfos(infos)
	return infos, nil
}

// Delete implements Deleter.
func (f *FileStore) Delete(ctx context.Context, id score.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := score.ParseID(string(id)); err != nil {
		return ErrNotFound
	}
	if _, err := os.Stat(f.headerPath(id)); errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	var errs error
	for _, path := range []string{f.blobPath(id), f.headerPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	f.appendAudit(AuditEvent{Action: AuditDeleted, ScoreID: id})
	return nil
}

// Close flushes the audit log.
func (f *FileStore) Close() error {
	if f == nil {
		return nil
	}
	return f.audit.Close()
}

func (f *FileStore) appendAudit(event AuditEvent) {
	event.Time = f.now().UTC()
	if err := f.audit.Append(event); err != nil {
		f.log.Warn("score audit append failed", logging.Error(err), logging.String("action", event.Action))
	}
}

func (f *FileStore) blobPath(id score.ID) string { return filepath.Join(f.dir, string(id)+blobSuffix) }

func (f *FileStore) headerPath(id score.ID) string {
	return filepath.Join(f.dir, string(id)+headerSuffix)
}

// ListHeaders reads every score header directly inside dir.
func ListHeaders(dir string) ([]Header, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("directory must be provided")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var headers []Header
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), headerSuffix) {
			continue
		}
		header, err := ReadHeader(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}
	return headers, nil
}
