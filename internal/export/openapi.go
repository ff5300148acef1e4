package export

import (
	"encoding/json"
	"fmt"
)

// renderOpenAPI emits an OpenAPI 3 document describing the exported tools as
// invocable operations. A tool's stored parameter schema becomes the request
// body schema when it parses as JSON; otherwise a free-form object stands in.
func renderOpenAPI(doc *Document) ([]byte, error) {
	paths := map[string]interface{}{}
	for _, rec := range doc.Records {
		name, _ := rec.Fields["name"].(string)
		if name == "" {
			continue
		}

		var schema interface{} = map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
		if params, ok := rec.Fields["parameters"].(string); ok && params != "" {
			var parsed interface{}
			if err := json.Unmarshal([]byte(params), &parsed); err == nil {
				schema = parsed
			}
		}

		operation := map[string]interface{}{
			"operationId": name,
			"summary":     rec.Fields["description"],
			"requestBody": map[string]interface{}{
				"content": map[string]interface{}{
					"application/json": map[string]interface{}{"schema": schema},
				},
			},
			"responses": map[string]interface{}{
				"200": map[string]interface{}{"description": "tool result"},
			},
		}
		if constraints, ok := rec.Fields["constraints"].(string); ok && constraints != "" {
			operation["description"] = constraints
		}
		if category, ok := rec.Fields["category"].(string); ok && category != "" {
			operation["tags"] = []string{category}
		}

		paths[fmt.Sprintf("/tools/%s", name)] = map[string]interface{}{"post": operation}
	}

	out := map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   "mnemo tool catalog",
			"version": doc.ExportedAt.UTC().Format("2006-01-02"),
		},
		"paths": paths,
	}
	return json.MarshalIndent(out, "", "  ")
}
