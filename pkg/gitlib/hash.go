// Package gitlib is the libgit2-backed repository collaborator: it resolves
// heads, reads commit metadata and serves file content at a commit.
package gitlib

import (
	"encoding/hex"
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

const (
	// HashSize is the size of a SHA-1 hash in bytes.
	HashSize = 20
	// HashHexSize is the size of a hex-encoded SHA-1 hash.
	HashHexSize = 40
)

// ErrInvalidHash is returned for ids that are not 40 hex characters.
var ErrInvalidHash = errors.New("invalid commit hash")

// Hash represents a git object hash (SHA-1).
type Hash [HashSize]byte

// ParseHash decodes a hex commit id.
func ParseHash(id model.CommitID) (Hash, error) {
	var hash Hash

	if len(id) != HashHexSize {
		return hash, fmt.Errorf("%w: %q", ErrInvalidHash, id)
	}

	_, decodeErr := hex.Decode(hash[:], []byte(id))
	if decodeErr != nil {
		return hash, fmt.Errorf("%w: %q", ErrInvalidHash, id)
	}

	return hash, nil
}

// HashFromOid converts a libgit2 Oid to Hash.
func HashFromOid(oid *git2go.Oid) Hash {
	var h Hash
	copy(h[:], oid[:])

	return h
}

// String returns the hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ID returns the hash as a commit id.
func (h Hash) ID() model.CommitID {
	return model.CommitID(h.String())
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ToOid converts Hash back to libgit2 Oid.
func (h Hash) ToOid() *git2go.Oid {
	oid := new(git2go.Oid)
	copy(oid[:], h[:])

	return oid
}
