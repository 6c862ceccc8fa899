// Package parse extracts structured content from raw LLM output: the
// delimited reasoning span, embedded search function calls, structured
// critique objects, and NER preference maps. Malformed model output is an
// expected condition here, so nothing in this package returns an error;
// total parse failure is always a representable value.
package parse

import (
	"regexp"
	"strings"
)

var thinkPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>\s*`)

// SplitThinking separates the first <think>...</think> span from the rest
// of the response. If no delimiters are present the thinking text is empty
// and the remainder is the input unchanged.
func SplitThinking(response string) (thinking, remainder string) {
	loc := thinkPattern.FindStringSubmatchIndex(response)
	if loc == nil {
		return "", response
	}
	thinking = response[loc[2]:loc[3]]
	// Remove only the first occurrence.
	remainder = strings.TrimSpace(response[:loc[0]] + response[loc[1]:])
	return thinking, remainder
}
