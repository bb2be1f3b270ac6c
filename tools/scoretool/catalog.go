package scoretool

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"recordable/server/internal/storage"
)

// Entry captures a score header alongside its resolved blob path.
type Entry struct {
	HeaderPath string         `json:"header_path"`
	BlobPath   string         `json:"blob_path"`
	Header     storage.Header `json:"header"`
}

// List walks the directory tree and returns parsed score headers, newest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree so archived stores nested under root are listed too.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".header.json") {
			return nil
		}
		header, err := storage.ReadHeader(path)
		if err != nil {
			return err
		}
		blobPath := header.FilePointer
		if !filepath.IsAbs(blobPath) {
			blobPath = filepath.Join(filepath.Dir(path), blobPath)
		}
		entries = append(entries, Entry{HeaderPath: path, BlobPath: blobPath, Header: header})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.CreatedAt.Equal(entries[j].Header.CreatedAt) {
			return entries[i].Header.ScoreID < entries[j].Header.ScoreID
		}
		return entries[i].Header.CreatedAt.After(entries[j].Header.CreatedAt)
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
