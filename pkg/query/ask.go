package query

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Answer is the structured reply to a question. Exactly one of the result
// fields is set for an ok answer, matching the question intent.
type Answer struct {
	Status     Status            `json:"status"`
	Question   Question          `json:"question"`
	Entity     *EntityRef        `json:"entity,omitempty"`
	Candidates []EntityRef       `json:"candidates,omitempty"`
	Ownership  *OwnershipResult  `json:"ownership,omitempty"`
	Complexity *ComplexityResult `json:"complexity,omitempty"`
	Touching   *TouchingResult   `json:"touching,omitempty"`
	Changed    *ChangedResult    `json:"changed,omitempty"`
	Summary    *Summary          `json:"summary,omitempty"`
	// Sources are the commits and changes most relevant to the question,
	// best first.
	Sources []SourceDocument `json:"sources,omitempty"`
}

const maxCandidates = 5

// Ask parses text and answers it from the facade. Entity references come
// from quoted terms first, then keywords. The answer carries the ranked
// source documents it was drawn from.
func (f *Facade) Ask(ctx context.Context, text string) (Answer, error) {
	q := ParseQuestion(text)

	ans, err := f.answer(ctx, q)
	if err != nil {
		return ans, err
	}

	ans.Sources, err = f.Retrieve(ctx, q, ans.Entity)
	if err != nil {
		return ans, fmt.Errorf("ask: %w", err)
	}

	return ans, nil
}

func (f *Facade) answer(ctx context.Context, q Question) (Answer, error) {
	ans := Answer{Status: StatusNotFound, Question: q}

	if q.Intent == IntentPattern {
		return f.askPattern(ans), nil
	}

	ref, candidates := f.resolveQuestion(q)
	ans.Candidates = candidates

	if ref == nil {
		if q.Intent == IntentGeneral && len(q.Terms) == 0 && len(q.Keywords) == 0 {
			sum := f.Summary()
			ans.Summary = &sum
			ans.Status = sum.status()
		}

		return ans, nil
	}

	ans.Entity = ref

	switch q.Intent {
	case IntentOwnership:
		res, err := f.OwnershipOverTime(ctx, ref.Key)
		if err != nil {
			return ans, fmt.Errorf("ask: %w", err)
		}

		ans.Ownership, ans.Status = &res, res.Status
	case IntentComplexity:
		res, err := f.ComplexityTrend(ctx, ref.Key)
		if err != nil {
			return ans, fmt.Errorf("ask: %w", err)
		}

		ans.Complexity, ans.Status = &res, res.Status
	default:
		res := f.CommitsTouching(ref.Key)
		ans.Touching, ans.Status = &res, res.Status
	}

	return ans, nil
}

// askPattern lists the changes of every entity whose name or path
// contains the first term or keyword.
func (f *Facade) askPattern(ans Answer) Answer {
	needles := append(append([]string(nil), ans.Question.Terms...), ans.Question.Keywords...)
	if len(needles) == 0 {
		return ans
	}

	q := ans.Question
	match := Match{Name: needles[0], Author: q.Author}

	res := f.ChangedBetween(match, q.Since, q.Until)
	if res.Status == StatusNotFound {
		match.Name, match.Path = "", needles[0]
		res = f.ChangedBetween(match, q.Since, q.Until)
	}

	ans.Changed, ans.Status = &res, res.Status

	return ans
}

func (f *Facade) resolveQuestion(q Question) (*EntityRef, []EntityRef) {
	needles := append(append([]string(nil), q.Terms...), q.Keywords...)

	for _, needle := range needles {
		res := f.ResolveEntity(needle)
		if res.Status != StatusOK {
			continue
		}

		candidates := res.Candidates
		if len(candidates) > maxCandidates {
			candidates = candidates[:maxCandidates]
		}

		best := candidates[0]

		return &best, candidates
	}

	return nil, nil
}

// KeyOf resolves text to a single entity key, accepting raw keys.
func (f *Facade) KeyOf(text string) (model.EntityKey, bool) {
	res := f.ResolveEntity(text)
	if res.Status != StatusOK {
		return "", false
	}

	return res.Candidates[0].Key, true
}
