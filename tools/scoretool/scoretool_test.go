package scoretool

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recordable/server/internal/auth"
	"recordable/server/internal/logging"
	"recordable/server/internal/score"
	"recordable/server/internal/storage"
)

func sampleScore(t *testing.T) []byte {
	t.Helper()
	data, err := score.Encode(&score.Score{
		FinalTick: 6,
		Groups: []score.ScheduledSoundGroup{
			{Tick: 1, Sounds: []score.PartialSoundInstance{{SoundID: 5, Volume: 0.5, Pitch: 1}, {SoundID: 6, Volume: 0.9, Pitch: 1.5}}},
			{Tick: 4, Sounds: []score.PartialSoundInstance{{SoundID: 5, Volume: 0.25, Pitch: 1}}},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// storeScores writes count copies of the sample score one minute apart and returns their
// ids oldest first.
func storeScores(t *testing.T, dir string, count int) []score.ID {
	t.Helper()
	now := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	store, err := storage.OpenFileStore(dir, storage.FileOptions{
		Logger: logging.NewTestLogger(),
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ids := make([]score.ID, 0, count)
	for i := 0; i < count; i++ {
		id, err := store.StoreScore(context.Background(), sampleScore(t))
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		ids = append(ids, id)
		now = now.Add(time.Minute)
	}
	return ids
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInspectSummarisesScore(t *testing.T) {
	summary, err := Inspect("sample", sampleScore(t), true)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if summary.FinalTick != 6 || summary.Groups != 2 || summary.Sounds != 3 || summary.Busiest != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Loudest != 0.9 {
		t.Fatalf("expected loudest 0.9, got %v", summary.Loudest)
	}
	if len(summary.Usage) != 2 || summary.Usage[0] != (SoundUsage{SoundID: 5, Count: 2}) {
		t.Fatalf("unexpected usage %+v", summary.Usage)
	}
	if len(summary.Ticks) != 2 || summary.Ticks[1].Tick != 4 {
		t.Fatalf("unexpected ticks %+v", summary.Ticks)
	}

	if _, err := Inspect("broken", []byte{0, 1}, false); err == nil {
		t.Fatal("expected malformed score to fail")
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	ids := storeScores(t, dir, 3)

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected three entries, got %d", len(entries))
	}
	if entries[0].Header.ScoreID != ids[2] || entries[2].Header.ScoreID != ids[0] {
		t.Fatalf("unexpected order %+v", entries)
	}
	if filepath.Dir(entries[0].BlobPath) != dir {
		t.Fatalf("expected blob next to header, got %s", entries[0].BlobPath)
	}
	payload, err := MarshalEntries(entries)
	if err != nil || !strings.Contains(string(payload), string(ids[1])) {
		t.Fatalf("unexpected marshalled entries %s (%v)", payload, err)
	}

	if _, err := List(""); err == nil {
		t.Fatal("expected empty root to fail")
	}
}

func TestSourceReadsStoreAndCompressedBlobs(t *testing.T) {
	dir := t.TempDir()
	ids := storeScores(t, dir, 1)
	want := sampleScore(t)

	id, data, err := Source{StoreDir: dir}.Load(context.Background(), ids[0].String())
	if err != nil || id != ids[0] || !bytes.Equal(data, want) {
		t.Fatalf("store load: %s %v", id, err)
	}

	//1.- The blob is zstd on disk and is read back as the raw record.
	blob := filepath.Join(dir, ids[0].String()+".score.zst")
	id, data, err = Source{}.Load(context.Background(), blob)
	if err != nil || id != ids[0] || !bytes.Equal(data, want) {
		t.Fatalf("blob load: %s %v", id, err)
	}

	raw := filepath.Join(t.TempDir(), "plain.score")
	if err := os.WriteFile(raw, want, 0o644); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	id, data, err = Source{}.Load(context.Background(), raw)
	if err != nil || id != "plain" || !bytes.Equal(data, want) {
		t.Fatalf("raw load: %s %v", id, err)
	}

	if _, _, err := (Source{StoreDir: filepath.Join(dir, "missing")}).Load(context.Background(), ids[0].String()); err == nil {
		t.Fatal("expected missing store directory to fail")
	}
}

func TestInspectAndListCommands(t *testing.T) {
	dir := t.TempDir()
	ids := storeScores(t, dir, 2)

	out, err := execute(t, "--store", dir, "inspect", ids[0].String())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out, `"final_tick": 6`) || !strings.Contains(out, `"sounds": 3`) {
		t.Fatalf("unexpected inspect output %s", out)
	}

	out, err = execute(t, "list", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], ids[1].String()) {
		t.Fatalf("unexpected list output %q", out)
	}

	out, err = execute(t, "--store", dir, "volumes", ids[1].String())
	if err != nil || !strings.Contains(out, `"volume": 0.9`) {
		t.Fatalf("unexpected volumes output %s (%v)", out, err)
	}
}

func TestExportCommandsWriteFiles(t *testing.T) {
	dir := t.TempDir()
	ids := storeScores(t, dir, 1)
	wav := filepath.Join(t.TempDir(), "out.wav")
	mid := filepath.Join(t.TempDir(), "out.mid")

	if _, err := execute(t, "--store", dir, "render", ids[0].String(), "-o", wav); err != nil {
		t.Fatalf("render: %v", err)
	}
	if header, err := os.ReadFile(wav); err != nil || !bytes.HasPrefix(header, []byte("RIFF")) {
		t.Fatalf("expected wav file (%v)", err)
	}
	if _, err := execute(t, "--store", dir, "midi", ids[0].String(), "-o", mid); err != nil {
		t.Fatalf("midi: %v", err)
	}
	if header, err := os.ReadFile(mid); err != nil || !bytes.HasPrefix(header, []byte("MThd")) {
		t.Fatalf("expected midi file (%v)", err)
	}
}

func TestSweepAndAuditCommands(t *testing.T) {
	dir := t.TempDir()
	ids := storeScores(t, dir, 3)

	if _, err := execute(t, "sweep", dir); err == nil {
		t.Fatal("expected sweep without a policy to fail")
	}
	out, err := execute(t, "sweep", dir, "--max-scores", "1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "removed 2, kept 1") {
		t.Fatalf("unexpected sweep output %q", out)
	}

	out, err = execute(t, "audit", dir)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if strings.Count(out, "stored") != 3 || strings.Count(out, "expired") != 2 || !strings.Contains(out, ids[0].String()) {
		t.Fatalf("unexpected audit output %q", out)
	}
}

func TestTokenCommandMintsListenerToken(t *testing.T) {
	out, err := execute(t, "token", "--ws-secret", "listener-secret", "--subject", "speaker-9")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	keyring, err := auth.NewKeyring("listener-secret", 0)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	claims, err := keyring.Verify(strings.TrimSpace(out), auth.AudienceVolumes)
	if err != nil || claims.Subject != "speaker-9" {
		t.Fatalf("unexpected claims %+v (%v)", claims, err)
	}
	if _, err := execute(t, "stream", "2f1c7d8e-0000-4000-8000-000000000001"); err == nil {
		t.Fatal("expected stream without --remote to fail")
	}
}
