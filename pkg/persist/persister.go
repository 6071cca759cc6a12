package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

const filePerm = 0o600

// SaveState writes state to dir/basename+ext. The file is written to a
// temporary name and renamed into place, so readers never observe a partial
// write.
func SaveState(dir, basename string, codec Codec, state any) error {
	target := filepath.Join(dir, basename+codec.Extension())

	tmp, err := os.CreateTemp(dir, "."+basename+"-*")
	if err != nil {
		return fmt.Errorf("create state file: %w", err)
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := codec.Encode(tmp, state); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod state file: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	committed = true

	return nil
}

// LoadState decodes dir/basename+ext into state, which must be a pointer.
// A missing file yields an error wrapping os.ErrNotExist.
func LoadState(dir, basename string, codec Codec, state any) error {
	file, err := os.Open(filepath.Join(dir, basename+codec.Extension()))
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	if err := codec.Decode(file, state); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	return nil
}

// Persister binds a basename and codec to one state type.
type Persister[T any] struct {
	basename string
	codec    Codec
}

// NewPersister creates a persister for T.
func NewPersister[T any](basename string, codec Codec) *Persister[T] {
	return &Persister[T]{basename: basename, codec: codec}
}

// Path returns the file the persister reads and writes under dir.
func (p *Persister[T]) Path(dir string) string {
	return filepath.Join(dir, p.basename+p.codec.Extension())
}

// Save writes state under dir.
func (p *Persister[T]) Save(dir string, state *T) error {
	return SaveState(dir, p.basename, p.codec, state)
}

// Load reads the state stored under dir.
func (p *Persister[T]) Load(dir string) (*T, error) {
	var state T

	if err := LoadState(dir, p.basename, p.codec, &state); err != nil {
		return nil, err
	}

	return &state, nil
}
