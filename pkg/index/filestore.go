package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/persist"
)

const dirPerm = 0o750

// FileStore keeps a snapshot as an lz4-compressed gob file next to a JSON
// manifest, under <base>/<repo hash>/. Both files are replaced atomically.
type FileStore struct {
	dir       string
	repoHash  string
	manifest  *persist.Persister[Manifest]
	snapshots *persist.Persister[Snapshot]
}

// NewFileStore returns a file store for the repository at repoPath.
func NewFileStore(baseDir, repoPath string) *FileStore {
	hash := RepoHash(repoPath)

	return &FileStore{
		dir:       filepath.Join(baseDir, hash),
		repoHash:  hash,
		manifest:  persist.NewPersister[Manifest]("manifest", persist.NewJSONCodec()),
		snapshots: persist.NewPersister[Snapshot]("index", persist.NewLZ4Codec(persist.NewGobCodec())),
	}
}

// Dir returns the directory holding this repository's files.
func (s *FileStore) Dir() string { return s.dir }

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	manifest, err := s.manifest.Load(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}

	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", model.ErrIndexCorruption, err)
	}

	if err := manifest.Validate(s.repoHash); err != nil {
		return nil, err
	}

	snap, err := s.snapshots.Load(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %w", model.ErrIndexCorruption, err)
	}

	if snap.Manifest.LatestOffset != manifest.LatestOffset || snap.Manifest.Checksum != manifest.Checksum {
		return nil, corrupt("manifest pins offset %d, snapshot holds %d", manifest.LatestOffset, snap.Manifest.LatestOffset)
	}

	return snap, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	if err := s.snapshots.Save(s.dir, snap); err != nil {
		return err
	}

	manifest := snap.Manifest

	return s.manifest.Save(s.dir, &manifest)
}

// Clear removes everything stored for the repository.
func (s *FileStore) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove store dir: %w", err)
	}

	return nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
