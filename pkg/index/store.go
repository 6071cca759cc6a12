package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/persist"
)

// ErrNoState is returned by Store.Load when nothing has been saved yet.
var ErrNoState = errors.New("no persisted index")

// Store persists index snapshots for one repository.
type Store interface {
	// Load returns the saved snapshot or ErrNoState.
	Load(ctx context.Context) (*Snapshot, error)
	// Save replaces the saved snapshot.
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Open loads the index for repoPath from store, or returns an empty index
// when the store holds none. Corruption is fatal: the caller has to clear
// the store and rebuild.
func Open(ctx context.Context, store Store, repoPath string) (*Index, error) {
	snap, err := store.Load(ctx)
	if errors.Is(err, ErrNoState) {
		return New(repoPath), nil
	}

	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}

	if err := snap.Manifest.Validate(RepoHash(repoPath)); err != nil {
		return nil, err
	}

	snap.Manifest.RepoPath = repoPath

	ix, err := Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("restore index: %w", err)
	}

	return ix, nil
}

// Save writes the current state of ix to store.
func Save(ctx context.Context, store Store, ix *Index) error {
	if err := store.Save(ctx, ix.Snapshot()); err != nil {
		return fmt.Errorf("save index: %w", err)
	}

	return nil
}

// MemoryStore keeps snapshots in memory. Saved snapshots are deep-copied
// through the gob codec so later mutations cannot leak in.
type MemoryStore struct {
	mu    sync.Mutex
	codec persist.Codec
	data  []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codec: persist.NewGobCodec()}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, ErrNoState
	}

	var snap Snapshot

	if err := s.codec.Decode(bytes.NewReader(s.data), &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrIndexCorruption, err)
	}

	return &snap, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer

	if err := s.codec.Encode(&buf, snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = buf.Bytes()

	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
