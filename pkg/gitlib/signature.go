package gitlib

import (
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Signature represents a git signature (author/committer).
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Model drops the timestamp; commit time lives on model.Commit.
func (s Signature) Model() model.Signature {
	return model.Signature{Name: s.Name, Email: s.Email}
}
