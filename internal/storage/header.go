package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recordable/server/internal/score"
)

// HeaderSchemaVersion tracks the schema version for score header documents.
const HeaderSchemaVersion = 1

// Header is the metadata sidecar persisted next to each file-backed score.
type Header struct {
	SchemaVersion int       `json:"schema_version"`
	ScoreID       score.ID  `json:"score_id"`
	FilePointer   string    `json:"file_pointer"`
	Codec         string    `json:"codec"`
	RawBytes      int       `json:"raw_bytes"`
	FinalTick     int       `json:"final_tick"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate ensures the header contains enough information to locate and decode the blob.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(string(h.ScoreID)) == "" {
		return fmt.Errorf("score_id must not be empty")
	}
	//1.- Ensure catalogue tooling can locate the blob reliably.
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	if h.RawBytes <= 0 {
		return fmt.Errorf("raw_bytes must be positive")
	}
	return nil
}

// Info converts the header into a catalogue entry.
func (h Header) Info() Info {
	return Info{ID: h.ScoreID, Bytes: h.RawBytes, FinalTick: h.FinalTick, Codec: h.Codec, CreatedAt: h.CreatedAt}
}

// WriteHeader persists the supplied header to path, replacing any previous version atomically.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	//1.- Encode using indented JSON so manual inspection remains readable.
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	//2.- Terminate with a newline so POSIX tooling can append easily.
	return writeFileAtomic(path, append(payload, '\n'))
}

// ReadHeader loads and decodes a score header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, fmt.Errorf("decode header %s: %w", filepath.Base(path), err)
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}

// writeFileAtomic writes data to a temporary sibling and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
