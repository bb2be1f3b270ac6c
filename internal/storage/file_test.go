package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"recordable/server/internal/logging"
	"recordable/server/internal/score"
)

func openTestFileStore(t *testing.T, opts FileOptions) *FileStore {
	t.Helper()
	opts.Logger = logging.NewTestLogger()
	store, err := OpenFileStore(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestFileStore(t, FileOptions{})
	data := encodedScore(t, 12)
	id, err := store.StoreScore(ctx, data)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	header, err := ReadHeader(filepath.Join(store.Dir(), string(id)+headerSuffix))
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.Codec != "zstd" || header.RawBytes != len(data) || header.FinalTick != 12 {
		t.Fatalf("unexpected header %#v", header)
	}

	req, err := store.RequestScore(ctx, id)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer req.Close()
	if !bytes.Equal(req.Data(), data) {
		t.Fatalf("expected stored bytes back")
	}
}

func TestFileStoreRejectsUnknownAndForeignIDs(t *testing.T) {
	ctx := context.Background()
	store := openTestFileStore(t, FileOptions{})
	if _, err := store.RequestScore(ctx, score.NewID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.RequestScore(ctx, score.ID("../../etc/passwd")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected traversal attempt to be reported as missing, got %v", err)
	}
}

func TestFileStoreDetectsTornBlob(t *testing.T) {
	ctx := context.Background()
	store := openTestFileStore(t, FileOptions{})
	id, err := store.StoreScore(ctx, encodedScore(t, 2))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	codec, _ := NewZstdCompressor()
	short, _ := codec.Compress([]byte{0, 1, 0})
	if err := os.WriteFile(store.blobPath(id), short, 0o644); err != nil {
		t.Fatalf("overwrite blob: %v", err)
	}
	if _, err := store.RequestScore(ctx, id); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected length mismatch error, got %v", err)
	}
}

func TestFileStoreAuditLogRecordsMutations(t *testing.T) {
	ctx := context.Background()
	store := openTestFileStore(t, FileOptions{})
	id, err := store.StoreScore(ctx, encodedScore(t, 1))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	//1.- Reopen to append a second snappy stream to the same file.
	reopened, err := OpenFileStore(store.Dir(), FileOptions{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second, _ := reopened.StoreScore(ctx, encodedScore(t, 1))
	reopened.Close()

	events, err := ReadAuditLog(filepath.Join(store.Dir(), AuditFileName))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected three audit events, got %#v", events)
	}
	if events[0].Action != AuditStored || events[1].Action != AuditDeleted || events[2].ScoreID != second {
		t.Fatalf("unexpected audit sequence %#v", events)
	}
}

func TestFileStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := openTestFileStore(t, FileOptions{Clock: func() time.Time { return now }})
	first, _ := store.StoreScore(ctx, encodedScore(t, 1))
	now = now.Add(time.Minute)
	second, _ := store.StoreScore(ctx, encodedScore(t, 2))

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != second || infos[1].ID != first {
		t.Fatalf("unexpected order %#v", infos)
	}
}

func TestCleanerEnforcesMaxScores(t *testing.T) {
	ctx := context.Background()
	store := openTestFileStore(t, FileOptions{Retention: RetentionPolicy{MaxScores: 2}})
	now := time.Now()
	var ids []score.ID
	for i := 0; i < 3; i++ {
		id, err := store.StoreScore(ctx, encodedScore(t, i+1))
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		//1.- Spread modification times so the sweep order is deterministic.
		stamp := now.Add(time.Duration(i-3) * time.Hour)
		for _, path := range []string{store.blobPath(id), store.headerPath(id)} {
			if err := os.Chtimes(path, stamp, stamp); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
		ids = append(ids, id)
	}

	stats := store.Cleaner().RunOnce()
	if stats.Scores != 2 || stats.Headers != 2 || stats.Removed != 1 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	if _, err := store.RequestScore(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest score to be pruned, got %v", err)
	}
	if _, err := store.RequestScore(ctx, ids[2]); err != nil {
		t.Fatalf("expected newest score to survive, got %v", err)
	}

	events, err := ReadAuditLog(filepath.Join(store.Dir(), AuditFileName))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if last := events[len(events)-1]; last.Action != AuditExpired || last.ScoreID != ids[0] {
		t.Fatalf("expected expiry audit event, got %#v", last)
	}
}

func TestCleanerPrunesByAge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := openTestFileStore(t, FileOptions{Retention: RetentionPolicy{MaxAge: 24 * time.Hour}, Clock: func() time.Time { return now }})
	old, _ := store.StoreScore(ctx, encodedScore(t, 1))
	fresh, _ := store.StoreScore(ctx, encodedScore(t, 1))
	stale := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	for _, path := range []string{store.blobPath(old), store.headerPath(old)} {
		_ = os.Chtimes(path, stale, stale)
	}
	for _, path := range []string{store.blobPath(fresh), store.headerPath(fresh)} {
		_ = os.Chtimes(path, recent, recent)
	}

	store.Cleaner().RunOnce()
	if _, err := store.RequestScore(ctx, old); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale score to be pruned, got %v", err)
	}
	if _, err := store.RequestScore(ctx, fresh); err != nil {
		t.Fatalf("expected fresh score to survive, got %v", err)
	}
}

func TestCleanerTriggerIsDebounced(t *testing.T) {
	ctx := context.Background()
	store := openTestFileStore(t, FileOptions{Retention: RetentionPolicy{MaxScores: 1}, SweepDelay: 20 * time.Millisecond})
	for i := 0; i < 3; i++ {
		if _, err := store.StoreScore(ctx, encodedScore(t, 1)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if headers, _ := ListHeaders(store.Dir()); len(headers) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	headers, _ := ListHeaders(store.Dir())
	t.Fatalf("expected triggered sweep to leave one score, found %d", len(headers))
}

func TestHeaderValidation(t *testing.T) {
	if err := (Header{}).Validate(); err == nil {
		t.Fatalf("expected empty header to fail validation")
	}
	path := filepath.Join(t.TempDir(), "nested", "x.header.json")
	header := Header{SchemaVersion: HeaderSchemaVersion, ScoreID: score.NewID(), FilePointer: "x.score.zst", Codec: "zstd", RawBytes: 3}
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	got, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got.ScoreID != header.ScoreID || got.FilePointer != header.FilePointer {
		t.Fatalf("unexpected header %#v", got)
	}
}
