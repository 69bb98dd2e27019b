package sourcecheck

import "encoding/json"

// Schema derives an object JSON Schema from the reported parameters.
// Parameters without a type are left unconstrained.
func (r *Report) Schema() json.RawMessage {
	props := make(map[string]any, len(r.Parameters))
	required := []string{}
	for _, p := range r.Parameters {
		prop := map[string]any{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	data, _ := json.Marshal(doc)
	return data
}
