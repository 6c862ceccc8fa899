package parse

import (
	"encoding/json"
	"regexp"
)

// fencedBlockPattern matches a brace-delimited object inside a markdown
// code fence, the shape the NER prompt asks for.
var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json|python)?\\s*(\\{.*?\\})\\s*```")

// ExtractPreferences parses the NER response into a flat preference map.
// A fenced code block is tried first, then every balanced-brace candidate
// in the raw text. Candidates must parse as strict JSON objects with no
// nested objects; anything else counts as a parse failure and yields an
// empty map, never an error.
func ExtractPreferences(raw string) map[string]interface{} {
	if m := fencedBlockPattern.FindStringSubmatch(raw); m != nil {
		if prefs := decodePreferences(m[1]); prefs != nil {
			return prefs
		}
	}

	for _, candidate := range scanJSONCandidates(raw) {
		if prefs := decodePreferences(candidate); prefs != nil {
			return prefs
		}
	}

	return map[string]interface{}{}
}

// decodePreferences returns nil unless s is a JSON object whose values
// are scalars or arrays of scalars.
func decodePreferences(s string) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	for _, v := range obj {
		switch vv := v.(type) {
		case map[string]interface{}:
			return nil
		case []interface{}:
			for _, item := range vv {
				if _, nested := item.(map[string]interface{}); nested {
					return nil
				}
			}
		}
	}
	return obj
}
