package sheets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Imported documents are checked against this schema before migration. It is
// deliberately loose: legacy exports keep their name under "basic" and their
// attributes under "basic"/"skills", so only the shapes migration depends on
// are pinned down.
const sheetDocSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"type": {"type": "string"},
		"schemaVersion": {"type": "integer", "minimum": 1},
		"version": {"type": "integer", "minimum": 1},
		"isTemplate": {"type": "boolean"},
		"fields": {"type": "object"},
		"basic": {"type": "object"},
		"skills": {"type": "object"},
		"created": {"type": "number"},
		"lastModified": {"type": "number"}
	},
	"anyOf": [
		{"required": ["name"]},
		{"required": ["basic"]}
	]
}`

var (
	sheetSchemaOnce sync.Once
	sheetSchema     *jsonschema.Schema
	sheetSchemaErr  error
)

func compiledSheetSchema() (*jsonschema.Schema, error) {
	sheetSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sheetDocSchema))
		if err != nil {
			sheetSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("sheet.schema.json", doc); err != nil {
			sheetSchemaErr = err
			return
		}
		sheetSchema, sheetSchemaErr = compiler.Compile("sheet.schema.json")
	})
	return sheetSchema, sheetSchemaErr
}

// ValidateSheetDoc checks a raw document against the sheet schema. A nil
// error means the document is safe to hand to Migrate.
func ValidateSheetDoc(doc map[string]any) error {
	if doc == nil {
		return fmt.Errorf("document is empty")
	}
	schema, err := compiledSheetSchema()
	if err != nil {
		return err
	}
	return schema.Validate(normalizeForValidation(doc))
}

// normalizeForValidation maps Go-native values onto the shapes the JSON
// Schema evaluator expects from decoded JSON.
func normalizeForValidation(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeForValidation(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeForValidation(item)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
