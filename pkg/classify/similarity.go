package classify

import (
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineSimilarity returns the fraction of lines shared by a and b: equal
// lines over the longer side, in [0,1]. timedOut reports that the diff hit
// its time budget and the score is only an approximation.
func LineSimilarity(a, b string, timeout time.Duration) (score float64, timedOut bool) {
	if a == b {
		return 1, false
	}

	if a == "" || b == "" {
		return 0, false
	}

	started := time.Now()

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = timeout
	// Terminate the last line so it compares equal to the same line elsewhere.
	src, dst, _ := dmp.DiffLinesToRunes(a+"\n", b+"\n")
	diffs := dmp.DiffMainRunes(src, dst, false)

	equal := 0

	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			equal += utf8.RuneCountInString(d.Text)
		}
	}

	total := max(len(src), len(dst))
	if total == 0 {
		return 1, false
	}

	return float64(equal) / float64(total), timeout > 0 && time.Since(started) >= timeout
}
