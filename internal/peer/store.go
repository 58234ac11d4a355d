package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrMetadataHash = errors.New("peer: metadata hash mismatch")

// MetadataStore holds the torrent metadata blob for one info hash. A blob is
// accepted only when its SHA-1 equals the info hash.
type MetadataStore struct {
	infoHash [20]byte
	path     string

	mu   sync.RWMutex
	blob []byte
}

// NewMetadataStore loads path when it exists. An empty path keeps the blob
// in memory only.
func NewMetadataStore(infoHash [20]byte, path string) (*MetadataStore, error) {
	s := &MetadataStore{infoHash: infoHash, path: path}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", path, err)
	}
	if err := s.Verify(data); err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", path, err)
	}
	s.blob = data
	return s, nil
}

func (s *MetadataStore) Metadata() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blob, s.blob != nil
}

// Size returns the blob size, or 0 when none is held.
func (s *MetadataStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.blob))
}

func (s *MetadataStore) Verify(blob []byte) error {
	sum := sha1.Sum(blob)
	if !bytes.Equal(sum[:], s.infoHash[:]) {
		return fmt.Errorf("%w: got %x", ErrMetadataHash, sum)
	}
	return nil
}

// Store keeps blob and persists it when a path is configured. The first
// stored blob wins.
func (s *MetadataStore) Store(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blob != nil {
		return nil
	}
	if s.path != "" {
		if err := os.WriteFile(s.path, blob, 0o600); err != nil {
			return fmt.Errorf("persist metadata: %w", err)
		}
	}
	s.blob = append([]byte(nil), blob...)
	return nil
}
