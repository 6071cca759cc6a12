package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/safeconv"
)

// Bucket names of the bolt layout.
var (
	bucketMeta       = []byte("meta")
	bucketCommits    = []byte("commits")
	bucketBoundaries = []byte("boundaries")
	bucketFeatures   = []byte("features")
	bucketDerived    = []byte("derived")
	bucketTips       = []byte("tips")

	keyManifest = []byte("manifest")
	keyLinks    = []byte("links")
	keyLinked   = []byte("linked")
	keyDerived  = []byte("derived")
)

const (
	boltFilePerm = 0o600
	boltTimeout  = time.Second
)

// BoltStore keeps the index in a bbolt database, one file per repository.
// Commits are written incrementally: a save only adds the records past the
// stored tail, after checking the stored tail still matches the chain.
type BoltStore struct {
	db       *bolt.DB
	repoHash string
}

// OpenBoltStore opens or creates <baseDir>/<repo hash>.db.
func OpenBoltStore(baseDir, repoPath string) (*BoltStore, error) {
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	hash := RepoHash(repoPath)

	db, err := bolt.Open(filepath.Join(baseDir, hash+".db"), boltFilePerm, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	return &BoltStore{db: db, repoHash: hash}, nil
}

// Path returns the database file.
func (s *BoltStore) Path() string { return s.db.Path() }

// Close implements Store.
func (s *BoltStore) Close() error { return s.db.Close() }

func offsetKey(offset int64) []byte {
	return binary.BigEndian.AppendUint64(nil, safeconv.MustInt64ToUint64(offset))
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	if b == nil {
		return false, nil
	}

	data := b.Get(key)
	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %w", model.ErrIndexCorruption, key, err)
	}

	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return b.Put(key, data)
}

// Load implements Store.
func (s *BoltStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketMeta), keyManifest, &snap.Manifest)
		if err != nil {
			return err
		}

		if !found {
			return ErrNoState
		}

		if err := snap.Manifest.Validate(s.repoHash); err != nil {
			return err
		}

		if commits := tx.Bucket(bucketCommits); commits != nil {
			err := commits.ForEach(func(_, data []byte) error {
				if err := ctx.Err(); err != nil {
					return err
				}

				var sc StoredCommit
				if err := json.Unmarshal(data, &sc); err != nil {
					return fmt.Errorf("%w: decode commit: %w", model.ErrIndexCorruption, err)
				}

				snap.Commits = append(snap.Commits, sc)

				return nil
			})
			if err != nil {
				return err
			}
		}

		if b := tx.Bucket(bucketBoundaries); b != nil {
			_ = b.ForEach(func(k, _ []byte) error {
				snap.Boundaries = append(snap.Boundaries, model.CommitID(k))

				return nil
			})
		}

		if _, err := getJSON(tx.Bucket(bucketFeatures), keyLinks, &snap.Links); err != nil {
			return err
		}

		if _, err := getJSON(tx.Bucket(bucketFeatures), keyLinked, &snap.Linked); err != nil {
			return err
		}

		if _, err := getJSON(tx.Bucket(bucketDerived), keyDerived, &snap.Derived); err != nil {
			return err
		}

		if b := tx.Bucket(bucketTips); b != nil {
			return b.ForEach(func(k, data []byte) error {
				tip := Tip{Commit: model.CommitID(k)}
				if err := json.Unmarshal(data, &tip.Entities); err != nil {
					return fmt.Errorf("%w: decode tip: %w", model.ErrIndexCorruption, err)
				}

				snap.Tips = append(snap.Tips, tip)

				return nil
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Save implements Store.
func (s *BoltStore) Save(ctx context.Context, snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		commits, err := tx.CreateBucketIfNotExists(bucketCommits)
		if err != nil {
			return err
		}

		var stored Manifest

		found, err := getJSON(meta, keyManifest, &stored)
		if err != nil {
			return err
		}

		from := int64(0)

		if found {
			if err := stored.Validate(s.repoHash); err != nil {
				return err
			}

			if err := checkTail(commits, stored, snap); err != nil {
				return err
			}

			from = stored.LatestOffset
		}

		for _, sc := range snap.Commits[from:] {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := putJSON(commits, offsetKey(sc.Record.Offset), sc); err != nil {
				return err
			}
		}

		if err := s.replaceAux(tx, snap); err != nil {
			return err
		}

		return putJSON(meta, keyManifest, snap.Manifest)
	})
}

// checkTail verifies the ledger being saved extends the stored one.
func checkTail(commits *bolt.Bucket, stored Manifest, snap *Snapshot) error {
	if stored.LatestOffset > int64(len(snap.Commits)) {
		return corrupt("store holds %d commits, saving %d", stored.LatestOffset, len(snap.Commits))
	}

	if stored.LatestOffset == 0 {
		return nil
	}

	var tail StoredCommit

	found, err := getJSON(commits, offsetKey(stored.LatestOffset), &tail)
	if err != nil {
		return err
	}

	want := snap.Commits[stored.LatestOffset-1].Record.Checksum
	if !found || tail.Record.Checksum != want || stored.Checksum != want {
		return corrupt("stored ledger diverges at offset %d", stored.LatestOffset)
	}

	return nil
}

func (s *BoltStore) replaceAux(tx *bolt.Tx, snap *Snapshot) error {
	for _, name := range [][]byte{bucketBoundaries, bucketFeatures, bucketDerived, bucketTips} {
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
	}

	boundaries, err := tx.CreateBucket(bucketBoundaries)
	if err != nil {
		return err
	}

	for _, id := range snap.Boundaries {
		if err := boundaries.Put([]byte(id), []byte{}); err != nil {
			return err
		}
	}

	features, err := tx.CreateBucket(bucketFeatures)
	if err != nil {
		return err
	}

	if err := putJSON(features, keyLinks, snap.Links); err != nil {
		return err
	}

	if err := putJSON(features, keyLinked, snap.Linked); err != nil {
		return err
	}

	derived, err := tx.CreateBucket(bucketDerived)
	if err != nil {
		return err
	}

	if err := putJSON(derived, keyDerived, snap.Derived); err != nil {
		return err
	}

	tips, err := tx.CreateBucket(bucketTips)
	if err != nil {
		return err
	}

	for _, tip := range snap.Tips {
		if err := putJSON(tips, []byte(tip.Commit), tip.Entities); err != nil {
			return err
		}
	}

	return nil
}
