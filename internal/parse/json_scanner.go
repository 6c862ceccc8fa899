package parse

import "sort"

// scanJSONCandidates returns every brace-balanced substring of s,
// including nested objects, ordered by opening-brace position. It tracks
// string and escape state byte-wise so braces inside JSON strings do not
// confuse the depth count.
//
// Iterating bytes is safe for the ASCII delimiters involved because UTF-8
// guarantees ASCII bytes never appear inside a multi-byte sequence.
func scanJSONCandidates(s string) []string {
	type span struct{ start, end int }
	var spans []span
	var stack []int
	var inString bool
	var escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) > 0 {
				start := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				spans = append(spans, span{start, i + 1})
			}
		}
	}

	sort.Slice(spans, func(a, b int) bool { return spans[a].start < spans[b].start })

	candidates := make([]string, 0, len(spans))
	for _, sp := range spans {
		candidates = append(candidates, s[sp.start:sp.end])
	}
	return candidates
}
