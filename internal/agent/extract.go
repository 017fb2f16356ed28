package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/iliyamo/agent-gateway/internal/model"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// DefaultResponse is the reply used when the agent acted but said nothing.
const DefaultResponse = "Action completed"

// Extract turns raw agent output into a result.  Strategies, in order:
//
//  1. the whole output is a JSON object, whatever fields it carries;
//  2. the first top-level balanced {...} object embedded in mixed text that
//     carries a recognised field;
//  3. the output itself as plain conversational text with no action.
//
// Missing fields are defaulted; an empty ResponseText becomes DefaultResponse.
func Extract(output string) model.AgentResult {
	res := extract(strings.TrimSpace(ansiEscape.ReplaceAllString(output, "")))
	if res.ResponseText == "" {
		res.ResponseText = DefaultResponse
	}
	return res
}

func extract(clean string) model.AgentResult {
	if clean == "" {
		return model.AgentResult{}
	}
	if m, ok := object(clean); ok {
		res, _ := normalize(m)
		return res
	}
	for start := strings.IndexByte(clean, '{'); start >= 0; {
		end := balancedEnd(clean, start)
		if end < 0 {
			break
		}
		if m, ok := object(clean[start : end+1]); ok {
			if res, found := normalize(m); found {
				return res
			}
		}
		// nested objects belong to this block; resume after it
		next := strings.IndexByte(clean[end+1:], '{')
		if next < 0 {
			break
		}
		start = end + 1 + next
	}
	return model.AgentResult{ResponseText: clean}
}

// balancedEnd returns the index of the brace closing the object opened at
// s[start], skipping braces inside JSON strings, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
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
				return i
			}
		}
	}
	return -1
}

func object(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// normalize maps the field names different agent versions emit onto
// AgentResult.  It reports whether a response or action field was present.
func normalize(m map[string]any) (model.AgentResult, bool) {
	var res model.AgentResult
	found := false
	if v, ok := firstString(m, "response", "text", "message"); ok {
		res.ResponseText = v
		found = true
	}
	if v, ok := firstString(m, "action_type", "action", "action_performed"); ok {
		res.Action = v
		found = true
	}
	if d, ok := m["details"].(map[string]any); ok {
		res.Details = d
	}
	if n, ok := m["tokens_used"].(float64); ok {
		res.TokensUsed = int(n)
	} else if u, ok := m["usage"].(map[string]any); ok {
		if n, ok := u["total_tokens"].(float64); ok {
			res.TokensUsed = int(n)
		}
	}
	return res, found
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			return v, true
		}
	}
	return "", false
}
