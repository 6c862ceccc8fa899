package parse

import "encoding/json"

// SentinelScore is the reserved value meaning "scoring failed". It is
// distinct from every valid score, so downstream code can tell a failed
// critique apart from a merely bad one.
const SentinelScore = -1.0

// maxRawEcho bounds how much of an unparseable response the sentinel
// critique carries for debugging.
const maxRawEcho = 1000

// critiqueFields are the recognized critique field names. A parsed
// candidate containing any of them is preferred over other JSON objects
// found in the same response.
var critiqueFields = []string{"total_score", "adherence_to_search", "question_format"}

// Critique is the structured result of a critic evaluation. The field set
// is model-controlled; only the recognized names carry contractual
// meaning.
type Critique map[string]interface{}

// Score extracts the numeric score, looking at total_score first and then
// score. Absent, null, or non-numeric values yield SentinelScore.
func (c Critique) Score() float64 {
	for _, key := range []string{"total_score", "score"} {
		v, ok := c[key]
		if !ok {
			continue
		}
		if f, ok := v.(float64); ok {
			return f
		}
		return SentinelScore
	}
	return SentinelScore
}

// Failed reports whether this critique is the parse-failure sentinel.
func (c Critique) Failed() bool {
	_, hasErr := c["error"]
	return hasErr && c.Score() == SentinelScore
}

// ExtractCritique finds the critique JSON object inside raw critic
// output. Every brace-balanced substring is tried as a JSON object; of
// the candidates that parse, the first one carrying a recognized critique
// field wins. If none qualify the syntactically largest parsed candidate
// is returned. When nothing parses at all the result is a sentinel object
// carrying a truncated copy of the raw text and SentinelScore; this
// function never fails.
func ExtractCritique(raw string) Critique {
	var parsed []Critique
	for _, candidate := range scanJSONCandidates(raw) {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		parsed = append(parsed, Critique(obj))
	}

	for _, obj := range parsed {
		for _, field := range critiqueFields {
			if _, ok := obj[field]; ok {
				return obj
			}
		}
	}

	if len(parsed) > 0 {
		largest := parsed[0]
		largestLen := serializedLen(largest)
		for _, obj := range parsed[1:] {
			if l := serializedLen(obj); l > largestLen {
				largest, largestLen = obj, l
			}
		}
		return largest
	}

	echo := raw
	if len(echo) > maxRawEcho {
		echo = echo[:maxRawEcho]
	}
	return Critique{
		"error":        "failed to parse critic response",
		"raw_response": echo,
		"total_score":  SentinelScore,
	}
}

func serializedLen(c Critique) int {
	data, err := json.Marshal(map[string]interface{}(c))
	if err != nil {
		return 0
	}
	return len(data)
}
