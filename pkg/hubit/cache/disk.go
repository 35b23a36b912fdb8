package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// DiskBackend is the default Backend: one zstd-compressed, gob-encoded
// file per model identity (per-entry file, directory created up front,
// no in-memory index: every Load and Store goes to disk), trimmed to the one capability
// spec.md §6 asks for — load-or-empty, then unconditional overwrite —
// since hubit has no TTL or eviction policy to carry over.
type DiskBackend struct {
	dir string
	mu  sync.Mutex
}

// NewDiskBackend returns a DiskBackend rooted at dir, creating it if
// it does not already exist.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create disk backend directory: %w", err)
	}
	return &DiskBackend{dir: dir}, nil
}

func (b *DiskBackend) pathFor(identity string) string {
	return filepath.Join(b.dir, identity+".hubitcache.zst")
}

// Load implements Backend.
func (b *DiskBackend) Load(identity string) (store.Flat, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	compressed, err := os.ReadFile(b.pathFor(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return store.Flat{}, false, nil
		}
		return nil, false, fmt.Errorf("cache: read %q: %w", identity, err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, fmt.Errorf("cache: zstd reader for %q: %w", identity, err)
	}
	defer dec.Close()

	var flat store.Flat
	if err := gob.NewDecoder(dec).Decode(&flat); err != nil {
		return nil, false, fmt.Errorf("cache: decode %q: %w", identity, err)
	}
	return flat, true, nil
}

// Store implements Backend.
func (b *DiskBackend) Store(identity string, data store.Flat) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(data); err != nil {
		return fmt.Errorf("cache: encode %q: %w", identity, err)
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("cache: zstd writer for %q: %w", identity, err)
	}
	if _, err := enc.Write(raw.Bytes()); err != nil {
		enc.Close()
		return fmt.Errorf("cache: zstd compress %q: %w", identity, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("cache: zstd close %q: %w", identity, err)
	}

	tmp := b.pathFor(identity) + ".tmp"
	if err := os.WriteFile(tmp, compressed.Bytes(), 0o644); err != nil {
		return fmt.Errorf("cache: write %q: %w", identity, err)
	}
	return os.Rename(tmp, b.pathFor(identity))
}
