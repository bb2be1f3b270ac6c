package scoretool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	scoregrpc "recordable/server/internal/grpc"
	"recordable/server/internal/score"
	"recordable/server/internal/storage"
)

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Source locates scores on disk, inside a file store or on a running server.
type Source struct {
	// StoreDir resolves references as score ids inside a file store.
	StoreDir string
	// Remote resolves references as score ids on the gRPC score service at this address.
	Remote string
	// Secret authenticates remote calls.
	Secret string
}

// Load returns the identifier and the raw encoded bytes of the score named by ref.
func (s Source) Load(ctx context.Context, ref string) (score.ID, []byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil, errors.New("score reference is required")
	}
	switch {
	case s.Remote != "":
		id, err := score.ParseID(ref)
		if err != nil {
			return "", nil, err
		}
		conn, err := scoregrpc.Dial(s.Remote, s.Secret)
		if err != nil {
			return "", nil, err
		}
		defer conn.Close()
		data, err := scoregrpc.NewClient(conn).GetScore(ctx, id, "zstd")
		if err != nil {
			return "", nil, fmt.Errorf("fetch %s: %w", id, err)
		}
		return id, data, nil
	case s.StoreDir != "":
		id, err := score.ParseID(ref)
		if err != nil {
			return "", nil, err
		}
		store, err := openExistingStore(s.StoreDir, storage.FileOptions{})
		if err != nil {
			return "", nil, err
		}
		defer store.Close()
		data, err := storage.Load(ctx, store, id)
		if err != nil {
			return "", nil, err
		}
		return id, data, nil
	default:
		data, err := ReadFile(ref)
		if err != nil {
			return "", nil, err
		}
		return idFromPath(ref), data, nil
	}
}

// ReadFile reads a score file. Blobs copied out of a file store are zstd compressed and
// are inflated transparently.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(zstdMagic) || string(data[:len(zstdMagic)]) != string(zstdMagic) {
		return data, nil
	}
	codec, err := storage.NewZstdCompressor()
	if err != nil {
		return nil, err
	}
	return codec.Decompress(data)
}

func idFromPath(path string) score.ID {
	name := filepath.Base(path)
	for _, suffix := range []string{".zst", ".score"} {
		name = strings.TrimSuffix(name, suffix)
	}
	if id, err := score.ParseID(name); err == nil {
		return id
	}
	return score.ID(name)
}

// openExistingStore opens a file store without creating a missing directory.
func openExistingStore(dir string, opts storage.FileOptions) (*storage.FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return storage.OpenFileStore(dir, opts)
}
