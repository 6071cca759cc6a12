package feature

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// SourcePattern labels links found in commit messages.
const SourcePattern = "pattern"

// ErrNoCaptureGroup rejects patterns without a group to take the id from.
var ErrNoCaptureGroup = errors.New("feature pattern needs a capture group")

// Pattern extracts feature ids from a commit message. The first capture
// group, prefixed with Prefix, is the feature id.
type Pattern struct {
	Name       string  `mapstructure:"name"`
	Expr       string  `mapstructure:"expr"`
	Prefix     string  `mapstructure:"prefix"`
	Confidence float64 `mapstructure:"confidence"`
}

// DefaultPatterns are issue references (#123), ticket keys (AUTH-42) and
// conventional commit scopes (feat(auth): ...).
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "issue-ref", Expr: `(?:^|[\s(\[,])#(\d+)\b`, Prefix: "#", Confidence: 0.9},
		{Name: "ticket-key", Expr: `\b([A-Z][A-Z0-9]+-\d+)\b`, Confidence: 0.8},
		{
			Name:       "conventional-scope",
			Expr:       `^(?:feat|fix|refactor|perf|docs|test|chore|build|ci|style|revert)\(([\w./-]+)\)!?:`,
			Prefix:     "scope:",
			Confidence: 0.5,
		},
	}
}

type compiled struct {
	Pattern
	re *regexp.Regexp
}

// PatternLinker matches commit messages against regular expressions.
type PatternLinker struct {
	patterns []compiled
}

// NewPatternLinker compiles patterns.
func NewPatternLinker(patterns []Pattern) (*PatternLinker, error) {
	l := &PatternLinker{}

	for _, p := range patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", p.Name, err)
		}

		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("pattern %s: %w", p.Name, ErrNoCaptureGroup)
		}

		l.patterns = append(l.patterns, compiled{Pattern: p, re: re})
	}

	return l, nil
}

// Link implements Linker. Repeated mentions of one id by the same pattern
// yield one link.
func (l *PatternLinker) Link(_ context.Context, commit model.Commit) ([]model.FeatureLink, error) {
	var links []model.FeatureLink

	for _, p := range l.patterns {
		seen := make(map[string]bool)

		for _, m := range p.re.FindAllStringSubmatch(commit.Message, -1) {
			id := p.Prefix + m[1]
			if m[1] == "" || seen[id] {
				continue
			}

			seen[id] = true
			links = append(links, model.FeatureLink{
				Commit:     commit.ID,
				FeatureID:  id,
				Confidence: p.Confidence,
				Source:     SourcePattern,
				Detail:     p.Name,
			})
		}
	}

	return links, nil
}
