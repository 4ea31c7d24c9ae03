package pipeline

import (
	"encoding/json"
	"fmt"
)

// Assemble merges prior step outputs into one adventure document. A step
// whose output is an object with a single key of the step's own name (for
// example {"npcs": [...]}) is flattened to that value.
func Assemble(data Context) (json.RawMessage, error) {
	doc := map[string]any{
		"prompt": data.Prompt,
	}

	for name, v := range data.Outputs {
		if m, ok := v.(map[string]any); ok && len(m) == 1 {
			if inner, ok := m[name]; ok {
				v = inner
			}
		}
		doc[name] = v
	}

	if outline, ok := doc["outline"].(map[string]any); ok {
		if title, ok := outline["title"].(string); ok {
			doc["title"] = title
		}
	}
	if _, ok := doc["title"]; !ok {
		doc["title"] = "Untitled adventure"
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	return raw, nil
}
