package parse

import (
	"regexp"
	"strings"
)

// funcCallPatterns are tried in order; the first pattern producing at
// least one match wins and later patterns are never consulted. The
// variants tolerate different whitespace placements models produce around
// the call markup.
var funcCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<function>\s*search_func\((.*?)\)\s*</function>`),
	regexp.MustCompile(`(?s)<function>search_func\((.*?)\)</function>`),
	regexp.MustCompile(`(?s)<function>\s*search_func\s*\((.*?)\)\s*</function>`),
}

// ExtractFunctionCalls pulls embedded search_func calls out of a
// response. It returns the response with the calls stripped and the
// ordered argument bodies. Zero matches yields the trimmed input and a
// nil slice.
func ExtractFunctionCalls(response string) (clean string, calls []string) {
	clean = response
	for _, pattern := range funcCallPatterns {
		matches := pattern.FindAllStringSubmatch(response, -1)
		if len(matches) == 0 {
			continue
		}
		calls = make([]string, 0, len(matches))
		for _, m := range matches {
			calls = append(calls, m[1])
		}
		clean = pattern.ReplaceAllString(response, "")
		break
	}
	return strings.TrimSpace(clean), calls
}

// HasFunctionCall reports whether the response contains call markup at
// all, before pattern extraction. The search-trigger stage uses this as a
// cheap gate.
func HasFunctionCall(response string) bool {
	return strings.Contains(response, "<function>")
}
