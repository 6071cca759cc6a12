package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

func TestParseQuestionIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text   string
		intent query.Intent
	}{
		{"who owns parseConfig?", query.IntentOwnership},
		{"how complex is the renderer", query.IntentComplexity},
		{"show the history of render", query.IntentEvolution},
		{"where is retry used", query.IntentPattern},
		{"parseConfig", query.IntentGeneral},
		{"who changed the complexity of render", query.IntentOwnership},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.intent, query.ParseQuestion(tt.text).Intent)
		})
	}
}

func TestParseQuestionKeywords(t *testing.T) {
	t.Parallel()

	q := query.ParseQuestion("Who wrote the parseConfig function in config/parse.go?")

	assert.Equal(t, query.IntentOwnership, q.Intent)
	assert.Equal(t, []string{"parseconfig", "function", "config", "parse.go"}, q.Keywords)
	assert.Empty(t, q.Terms)
}

func TestParseQuestionQuotedTerms(t *testing.T) {
	t.Parallel()

	q := query.ParseQuestion(`show the history of "Server Start" and server`)

	assert.Equal(t, query.IntentEvolution, q.Intent)
	assert.Equal(t, []string{"Server Start"}, q.Terms)
	assert.Empty(t, q.Keywords, "words inside a quoted term are not repeated as keywords")
}

func TestParseQuestionDeduplicates(t *testing.T) {
	t.Parallel()

	q := query.ParseQuestion("render render RENDER")

	assert.Equal(t, query.IntentGeneral, q.Intent)
	assert.Equal(t, []string{"render"}, q.Keywords)
}

func TestParseQuestionBounds(t *testing.T) {
	t.Parallel()

	q := query.ParseQuestion("what changed in render by Bob since 2024-03-03 until 2024-03-08")

	assert.Equal(t, query.IntentEvolution, q.Intent)
	assert.Equal(t, "bob", q.Author)
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), q.Since)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), q.Until)
	assert.Equal(t, []string{"render"}, q.Keywords)

	q = query.ParseQuestion("changes since yesterday")
	assert.True(t, q.Since.IsZero())
	assert.Equal(t, []string{"yesterday"}, q.Keywords)
}
