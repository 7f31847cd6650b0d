// Package extract pulls structured JSON out of free-form model output.
// Generative models regularly wrap their answer in markdown fences or
// prose; callers get a typed result or an explicit parse error instead of
// scattering regex scraping across call sites.
package extract

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON object or array could be located in
// the input text.
var ErrNoJSON = errors.New("extract: no json payload found")

// Parse decodes the first JSON value found in raw into T.
func Parse[T any](raw string) (T, error) {
	var zero T
	fragment := Fragment(raw)
	if fragment == "" {
		return zero, ErrNoJSON
	}
	var decoded T
	if err := json.Unmarshal([]byte(fragment), &decoded); err != nil {
		return zero, err
	}
	return decoded, nil
}

// Fragment returns the best-effort JSON substring of raw: code fences are
// stripped, then the first balanced {...} or [...] region is taken. An
// empty string means no candidate fragment exists.
func Fragment(raw string) string {
	text := stripFence(strings.TrimSpace(raw))
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	end := matchBalanced(text, start)
	if end < 0 {
		// Unbalanced output, e.g. a truncated response. Fall back to the
		// outermost closer so json.Unmarshal reports the real problem.
		end = strings.LastIndexAny(text, "]}")
		if end < start {
			return ""
		}
	}
	return strings.TrimSpace(text[start : end+1])
}

// matchBalanced finds the index of the closer matching the opener at
// start, honoring string literals and escapes. Returns -1 when unbalanced.
func matchBalanced(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```JSON")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
