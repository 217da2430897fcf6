package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema is the fixed JSON Schema every manifest must satisfy before
// signature verification is even attempted.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "laws", "conflict_resolution", "jurisdiction", "fairness", "energy"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "laws": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "enforcement_level"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "enforcement_level": {"enum": ["critical", "standard", "advisory"]},
          "predicate_config": {"type": "object"}
        }
      }
    },
    "conflict_resolution": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string"}
    },
    "jurisdiction": {
      "type": "object",
      "required": ["allowed_regions"],
      "properties": {
        "allowed_regions": {"type": "array", "items": {"type": "string"}},
        "restricted_classifications": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "fairness": {
      "type": "object",
      "properties": {
        "threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "mitigation": {"enum": ["output_filtering", "prompt_adjustment", "human_review"]}
      }
    },
    "energy": {
      "type": "object",
      "required": ["budget_kwh", "enforcement"],
      "properties": {
        "budget_kwh": {"type": "number", "exclusiveMinimum": 0},
        "enforcement": {"enum": ["monitor", "graduated", "strict"]}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("lawmanifest.schema.json", manifestSchema)

// validateSchema checks the raw manifest document against the fixed schema.
func validateSchema(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("manifest schema violation: %w", err)
	}
	return nil
}
