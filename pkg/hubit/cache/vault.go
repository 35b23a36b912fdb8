package cache

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/cloudfoundry-community/vaultkv"
	"github.com/klauspost/compress/zstd"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// blobKey is the single KV field each cache entry is stored under; the
// compressed, gob-encoded artifact doesn't decompose into Vault's
// string-keyed secret shape, so it is carried as one base64 blob.
const blobKey = "blob"

// VaultBackend stores one secret per model identity under a configured
// mount path prefix, grounded on op_vault.go's getVaultSecretWithClient
// (client.Get(path, &dest, nil)) and vault_tasks.go's VaultTask, which
// establish the calling convention vaultkv.KV exposes in this corpus.
type VaultBackend struct {
	client *vaultkv.KV
	prefix string
}

// NewVaultBackend wraps an already-authenticated vaultkv.KV client; the
// client construction itself (Vault address/token resolution, TLS)
// stays the caller's job, mirroring initializeVaultClient's separation
// between "build the client" and "use the client" in op_vault.go.
func NewVaultBackend(client *vaultkv.KV, mountPrefix string) *VaultBackend {
	return &VaultBackend{client: client, prefix: strings.TrimSuffix(mountPrefix, "/")}
}

func (b *VaultBackend) pathFor(identity string) string {
	return fmt.Sprintf("%s/%s", b.prefix, identity)
}

// Load implements Backend.
func (b *VaultBackend) Load(identity string) (store.Flat, bool, error) {
	var secret map[string]interface{}
	_, err := b.client.Get(b.pathFor(identity), &secret, nil)
	if err != nil {
		if _, ok := err.(*vaultkv.ErrNotFound); ok {
			return store.Flat{}, false, nil
		}
		return nil, false, fmt.Errorf("cache: vault get %q: %w", identity, err)
	}

	encoded, ok := secret[blobKey].(string)
	if !ok {
		return nil, false, fmt.Errorf("cache: vault secret %q missing %q field", identity, blobKey)
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("cache: vault decode %q: %w", identity, err)
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
func (b *VaultBackend) Store(identity string, data store.Flat) error {
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

	values := map[string]interface{}{
		blobKey: base64.StdEncoding.EncodeToString(compressed.Bytes()),
	}
	if _, err := b.client.Set(b.pathFor(identity), values, nil); err != nil {
		return fmt.Errorf("cache: vault set %q: %w", identity, err)
	}
	return nil
}
