// Package contenthash provides deterministic text normalization and stable
// content hashes used as idempotency keys when re-processing external content.
package contenthash

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes text prior to hashing.
//
// Line endings become "\n", every line is right-trimmed, runs of two or more
// blank lines collapse to a single blank line, trailing blank lines are
// dropped and the result is trimmed as a whole. Normalize is idempotent.
func Normalize(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	src := strings.Split(text, "\n")
	lines := make([]string, 0, len(src))
	blank := 0
	for _, line := range src {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		lines = append(lines, strings.TrimRightFunc(line, unicode.IsSpace))
	}

	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
