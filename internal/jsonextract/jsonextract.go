// Package jsonextract recovers structured JSON values from the free-text
// output an agent or bash step produces, in either a conservative or an
// aggressive mode.
package jsonextract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// Conservative parses text as JSON only if the entire (trimmed) string is
// strict-valid JSON. It returns the parsed value and true on success, or
// the original text and false otherwise.
func Conservative(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return text, false
	}
	return v, true
}

// Aggressive tries, in order: (1) whole-string JSON, (2) the first fenced
// code block containing an object or array, (3) a greedy stream-decode
// starting at the first top-level '{' or '['. It returns the original text
// and false if none of the strategies recover a value.
func Aggressive(text string) (interface{}, bool) {
	if v, ok := Conservative(text); ok {
		return v, true
	}

	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		trimmedLead := strings.TrimLeft(body, " \t\r\n")
		if len(trimmedLead) == 0 || (trimmedLead[0] != '{' && trimmedLead[0] != '[') {
			continue
		}
		if v, ok := decodeFirstValue(body); ok {
			return v, true
		}
	}

	idx := firstTopLevelStart(text)
	if idx >= 0 {
		if v, ok := decodeFirstValue(text[idx:]); ok {
			return v, true
		}
	}

	return text, false
}

// Extract applies conservative extraction by default, aggressive
// extraction when parseJSON is set, and additionally falls back to
// aggressive extraction for bash-kind step output when conservative
// parsing fails (per the engine's documented bash-output exception).
func Extract(text string, parseJSON bool, isBash bool) interface{} {
	if parseJSON {
		v, _ := Aggressive(text)
		return v
	}
	if v, ok := Conservative(text); ok {
		return v
	}
	if isBash {
		v, _ := Aggressive(text)
		return v
	}
	return text
}

func firstTopLevelStart(text string) int {
	for i, r := range text {
		if r == '{' || r == '[' {
			return i
		}
	}
	return -1
}

// decodeFirstValue stream-decodes exactly one JSON value from the start of
// s, ignoring any trailing content after it (a "greedy" decode: it commits
// to the first value it can fully parse rather than requiring the rest of
// the string to also be clean).
func decodeFirstValue(s string) (interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}
