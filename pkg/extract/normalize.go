package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// byteRange is a half-open [start, end) range of source bytes.
type byteRange struct {
	start, end uint
}

// Normalize collapses intra-line whitespace and drops blank lines, so
// fingerprints ignore formatting.
func Normalize(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]

	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		out = append(out, strings.Join(fields, " "))
	}

	return strings.Join(out, "\n")
}

// normalizeRange normalizes content[start:end] after blanking the comment
// ranges that fall inside it. Newlines inside comments are kept so line
// structure survives.
func normalizeRange(content []byte, start, end uint, comments []byteRange) string {
	if end > uint(len(content)) {
		end = uint(len(content))
	}

	if start >= end {
		return ""
	}

	buf := []byte(string(content[start:end]))

	for _, c := range comments {
		if c.end <= start || c.start >= end {
			continue
		}

		from, to := max(c.start, start)-start, min(c.end, end)-start

		for i := from; i < to; i++ {
			if buf[i] != '\n' {
				buf[i] = ' '
			}
		}
	}

	return Normalize(string(buf))
}

// Fingerprint is the hex sha256 of normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))

	return hex.EncodeToString(sum[:])
}

// CountLines returns the number of lines in normalized text.
func CountLines(normalized string) int {
	if normalized == "" {
		return 0
	}

	return strings.Count(normalized, "\n") + 1
}
