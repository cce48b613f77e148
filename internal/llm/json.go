package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripCodeFences removes a leading ```json or ``` fence line and the matching
// closing fence, returning the trimmed payload. Unfenced text is returned trimmed.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	if len(lines) == 1 {
		inner := strings.TrimPrefix(text, "```json")
		inner = strings.TrimPrefix(inner, "```")
		return strings.TrimSpace(strings.TrimSuffix(inner, "```"))
	}

	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

// ParseJSONResponse decodes a generated response into v after removing any
// markdown code fence around it.
func ParseJSONResponse(text string, v any) error {
	cleaned := StripCodeFences(text)
	if cleaned == "" {
		return fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return err
	}
	return nil
}
