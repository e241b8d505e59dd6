package flow

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Sanitization action labels, logged alongside parse results so noisy model
// output is traceable.
const (
	actionTrimmedWhitespace = "trimmed-whitespace"
	actionRemovedCodeFence  = "removed-code-fence"
	actionExtractedBraced   = "extracted-braced-substring"
)

// SanitizeJSON normalizes raw model text into something json.Unmarshal has a
// chance with: trims whitespace, strips one wrapping code fence, and extracts
// the first brace-balanced substring when garbage surrounds the object.
// Returns the candidate text and the list of actions applied.
func SanitizeJSON(input string) (string, []string) {
	var actions []string

	s := strings.TrimSpace(input)
	if s != input {
		actions = append(actions, actionTrimmedWhitespace)
	}

	if strings.HasPrefix(s, "```") {
		if end := strings.LastIndex(s, "```"); end > 0 {
			if nl := strings.Index(s, "\n"); nl >= 0 && nl < end {
				s = strings.TrimSpace(s[nl+1 : end])
				actions = append(actions, actionRemovedCodeFence)
			}
		}
	}

	if seg, ok := extractBalancedSegment(s); ok && seg != s {
		s = seg
		actions = append(actions, actionExtractedBraced)
	}

	return s, actions
}

// ParseJSONObject sanitizes and parses one JSON object from model output.
// The sanitized candidate is returned even on failure so callers can log it.
func ParseJSONObject(input string) (map[string]any, string, []string, error) {
	candidate, actions := SanitizeJSON(input)

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil, candidate, actions, eris.Wrap(err, "flow: parse model json")
	}
	return out, candidate, actions, nil
}

// extractBalancedSegment returns the first brace-balanced substring starting
// at the first '{', honoring string literals and escape sequences. An
// unterminated object runs to the end of the input.
func extractBalancedSegment(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return s[start:], true
}
