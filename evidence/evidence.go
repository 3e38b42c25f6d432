// Package evidence stores milestone deliverables by content hash. The hash a
// lab submits with a milestone is the key the bytes live under, so a reviewer
// can always fetch exactly what was submitted.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"bountyflow/apperr"
	"bountyflow/bounty"
)

const hashPrefix = "sha256:"

// DefaultMaxSize bounds a single upload.
const DefaultMaxSize = 64 << 20

// Store persists evidence blobs.
type Store interface {
	// Put stores the content read from r and returns its evidence reference.
	// Storing identical content twice is a no-op.
	Put(ctx context.Context, r io.Reader, contentType string) (bounty.Evidence, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// Hash returns the content hash in the form milestones carry.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok || len(raw) != sha256.Size*2 {
		return "", apperr.Validation("evidence: invalid content hash %q", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", apperr.Validation("evidence: invalid content hash %q", hash)
	}
	return raw, nil
}

// readLimited reads r fully, failing once more than max bytes arrive.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxSize
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, apperr.Internal(err, "evidence: read upload")
	}
	if int64(len(data)) > max {
		return nil, apperr.Validation("evidence: upload exceeds %d bytes", max)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("evidence: upload is empty")
	}
	return data, nil
}

// MemoryStore keeps blobs in process.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	maxSize int64
}

func NewMemoryStore(maxSize int64) *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}, maxSize: maxSize}
}

func (m *MemoryStore) Put(ctx context.Context, r io.Reader, _ string) (bounty.Evidence, error) {
	data, err := readLimited(r, m.maxSize)
	if err != nil {
		return bounty.Evidence{}, err
	}
	hash := Hash(data)
	m.mu.Lock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = bytes.Clone(data)
	}
	m.mu.Unlock()
	return bounty.Evidence{ContentHash: hash, URL: "mem://" + hash, Size: int64(len(data))}, nil
}

func (m *MemoryStore) Exists(ctx context.Context, hash string) (bool, error) {
	if _, err := rawHash(hash); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

// Get returns a stored blob.
func (m *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", hash, apperr.ErrNotFound)
	}
	return bytes.Clone(data), nil
}
