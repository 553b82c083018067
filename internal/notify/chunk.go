package notify

import (
	"strings"
	"unicode/utf8"
)

// Chunk splits text into parts of at most limit runes, cutting only after a
// newline. Every part keeps its trailing newline, so joining the parts
// reproduces text exactly. A single line longer than limit becomes its own
// oversized part. limit <= 0 disables splitting.
func Chunk(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		out []string
		cur strings.Builder
		n   int
	)
	for len(text) > 0 {
		var line string
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			line, text = text[:i+1], text[i+1:]
		} else {
			line, text = text, ""
		}
		ln := utf8.RuneCountInString(line)
		if n > 0 && n+ln > limit {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
		cur.WriteString(line)
		n += ln
	}
	if n > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitRunes hard-splits s into pieces of at most limit runes. Used only for
// single lines that Chunk could not fit.
func splitRunes(s string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(s) > limit {
		i, c := 0, 0
		for c < limit {
			_, size := utf8.DecodeRuneInString(s[i:])
			i += size
			c++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// fit chunks text for a channel limit; oversized lines are hard-split.
func fit(text string, limit int) []string {
	parts := Chunk(text, limit)
	if limit <= 0 {
		return parts
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if utf8.RuneCountInString(p) > limit {
			out = append(out, splitRunes(p, limit)...)
			continue
		}
		out = append(out, p)
	}
	return out
}
