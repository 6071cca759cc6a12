package query

import (
	"regexp"
	"strings"
	"time"
)

// Intent is the kind of answer a question asks for.
type Intent string

// Intents, in the order they are tried.
const (
	IntentOwnership  Intent = "ownership"
	IntentComplexity Intent = "complexity"
	IntentEvolution  Intent = "evolution"
	IntentPattern    Intent = "pattern"
	IntentGeneral    Intent = "general"
)

type trigger struct {
	intent Intent
	words  map[string]struct{}
}

func words(ws ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		m[w] = struct{}{}
	}

	return m
}

// The first intent with a trigger word in the question wins.
var triggers = []trigger{
	{IntentOwnership, words("who", "owns", "owner", "owners", "ownership", "wrote", "author", "authors", "maintains", "maintainer")},
	{IntentComplexity, words("complexity", "complex", "complicated", "grew", "size", "trend")},
	{IntentEvolution, words("evolution", "evolve", "evolved", "history", "changes", "changed", "log", "commit", "commits", "introduced", "why")},
	{IntentPattern, words("pattern", "find", "search", "grep", "match", "regex", "where", "usages")},
}

var stopWords = words(
	"a", "an", "the", "is", "are", "was", "in", "on", "for", "with", "show", "me", "what", "how",
	"did", "does", "do", "of", "tell", "about", "give", "list", "i", "to", "and", "my", "this", "that",
	"by", "since", "after", "from", "until", "before",
)

// Words that bind the next token as a time bound or an author.
var (
	sinceWords = words("since", "after", "from")
	untilWords = words("until", "before", "to")
	authorWord = "by"
)

var (
	tokenPattern  = regexp.MustCompile(`[\w.\-]+|"[^"]*"`)
	quotedPattern = regexp.MustCompile(`"(.*?)"`)
)

// Question is a parsed natural-language question.
type Question struct {
	Text   string `json:"text"`
	Intent Intent `json:"intent"`
	// Terms are the quoted phrases, verbatim.
	Terms []string `json:"terms,omitempty"`
	// Keywords are the remaining significant words, lower-cased, in order.
	Keywords []string `json:"keywords,omitempty"`
	// Since and Until bound the commit time when the question names dates,
	// as in "since 2024-03-01".
	Since time.Time `json:"since,omitzero"`
	Until time.Time `json:"until,omitzero"`
	// Author is the word after "by".
	Author string `json:"author,omitempty"`
}

// ParseQuestion extracts intent, quoted terms and keywords from text.
func ParseQuestion(text string) Question {
	q := Question{Text: text, Intent: IntentGeneral}
	lower := strings.ToLower(text)
	tokens := tokenPattern.FindAllString(lower, -1)

	var matched map[string]struct{}

	for _, tr := range triggers {
		if anyIn(tokens, tr.words) {
			q.Intent = tr.intent
			matched = tr.words

			break
		}
	}

	inTerms := make(map[string]struct{})

	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		q.Terms = append(q.Terms, m[1])

		for _, w := range strings.Fields(strings.ToLower(m[1])) {
			inTerms[w] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	bound := q.bind(tokens)

	for i, tok := range tokens {
		if strings.HasPrefix(tok, `"`) || bound[i] {
			continue
		}

		if _, skip := stopWords[tok]; skip {
			continue
		}

		if _, skip := matched[tok]; skip {
			continue
		}

		if _, skip := inTerms[tok]; skip {
			continue
		}

		if _, dup := seen[tok]; dup {
			continue
		}

		seen[tok] = struct{}{}
		q.Keywords = append(q.Keywords, tok)
	}

	return q
}

// bind reads time bounds and the author from tokens and returns the
// positions it consumed.
func (q *Question) bind(tokens []string) map[int]bool {
	bound := make(map[int]bool)

	for i := 0; i+1 < len(tokens); i++ {
		tok, next := tokens[i], tokens[i+1]

		_, since := sinceWords[tok]
		_, until := untilWords[tok]

		switch {
		case since || until:
			t, err := ParseTime(next)
			if err != nil || t.IsZero() {
				continue
			}

			if since {
				q.Since = t
			} else {
				q.Until = EndOfDay(next, t)
			}
		case tok == authorWord && !strings.HasPrefix(next, `"`):
			if _, stop := stopWords[next]; stop {
				continue
			}

			q.Author = next
		default:
			continue
		}

		bound[i], bound[i+1] = true, true
		i++
	}

	return bound
}

func anyIn(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}

	return false
}
