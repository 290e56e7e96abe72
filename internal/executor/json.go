package executor

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the JSON payload out of an agent response. It prefers the
// first ```json fenced block and otherwise strips bare fences.
func ExtractJSON(responseText string) string {
	lines := strings.Split(responseText, "\n")
	var jsonBuffer bytes.Buffer
	inJSONBlock := false
	foundJSON := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inJSONBlock && trimmed == "```json" {
			inJSONBlock = true
			foundJSON = true
			continue
		}
		if inJSONBlock && trimmed == "```" {
			break
		}
		if inJSONBlock {
			if jsonBuffer.Len() > 0 {
				jsonBuffer.WriteString("\n")
			}
			jsonBuffer.WriteString(line)
		}
	}

	if foundJSON {
		return strings.TrimSpace(jsonBuffer.String())
	}

	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	return strings.TrimSpace(responseText)
}

// Extract unmarshals the JSON payload of responseText into T. When the
// payload is surrounded by prose, the outermost array or object is tried.
func Extract[T any](responseText string) (T, error) {
	var result T

	jsonContent := ExtractJSON(responseText)
	err := json.Unmarshal([]byte(jsonContent), &result)
	if err == nil {
		return result, nil
	}

	for _, pair := range [][2]string{{"[", "]"}, {"{", "}"}} {
		start := strings.Index(jsonContent, pair[0])
		end := strings.LastIndex(jsonContent, pair[1])
		if start < 0 || end <= start {
			continue
		}
		var retry T
		if json.Unmarshal([]byte(jsonContent[start:end+1]), &retry) == nil {
			return retry, nil
		}
	}
	return result, err
}
