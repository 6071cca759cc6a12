package model

import (
	"maps"
	"time"
)

// OwnershipSnapshot is the normalized author distribution of one entity in
// one time bucket.
type OwnershipSnapshot struct {
	EntityKey   EntityKey          `json:"entity_key"`
	Bucket      int64              `json:"bucket"`
	BucketStart time.Time          `json:"bucket_start"`
	Offset      int64              `json:"offset"`
	Version     string             `json:"version,omitempty"`
	Weights     map[string]float64 `json:"weights"`
}

// Top returns the author holding the largest weight; ties go to the
// lexicographically smaller author.
func (s OwnershipSnapshot) Top() (string, float64) {
	var (
		best   string
		weight float64
	)

	for author, w := range s.Weights {
		if w > weight || (w == weight && (best == "" || author < best)) {
			best, weight = author, w
		}
	}

	return best, weight
}

// ComplexityPoint is one sample of an entity's complexity series.
type ComplexityPoint struct {
	EntityKey EntityKey  `json:"entity_key"`
	Commit    CommitID   `json:"commit"`
	Offset    int64      `json:"offset"`
	When      time.Time  `json:"when"`
	Kind      ChangeKind `json:"kind"`
	Score     float64    `json:"score"`
	Delta     float64    `json:"delta"`
}

// FeatureLink associates a commit with an external feature identifier.
type FeatureLink struct {
	Commit     CommitID `json:"commit"`
	FeatureID  string   `json:"feature_id"`
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source"`
	Detail     string   `json:"detail,omitempty"`
}

// FoldState is the ownership and complexity accumulator of one entity after
// folding its events up to Offset. Folding the events after Offset into it
// gives the same state as folding everything from the start.
type FoldState struct {
	EntityKey  EntityKey          `json:"entity_key"`
	Offset     int64              `json:"offset"`
	Bucket     int64              `json:"bucket"`
	Started    bool               `json:"started"`
	Alive      bool               `json:"alive"`
	Weights    map[string]float64 `json:"weights,omitempty"`
	LastAuthor string             `json:"last_author,omitempty"`
	Score      float64            `json:"score"`
}

// Clone returns a deep copy of s.
func (s FoldState) Clone() FoldState {
	s.Weights = maps.Clone(s.Weights)

	return s
}
