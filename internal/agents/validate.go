package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationResult is either a parsed object or a failure that keeps the
// raw text for the repair prompt and the audit trail.
type ValidationResult struct {
	Valid bool
	Data  map[string]any
	Err   string
	Raw   string
}

// Validate parses raw as JSON and checks it against the schema.
func Validate(raw string, schema map[string]any) ValidationResult {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return ValidationResult{Err: fmt.Sprintf("invalid JSON: %v", err), Raw: raw}
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return ValidationResult{Err: fmt.Sprintf("invalid schema: %v", err), Raw: raw}
	}
	if err := compiled.Validate(value); err != nil {
		return ValidationResult{Err: fmt.Sprintf("schema validation failed: %v", err), Raw: raw}
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return ValidationResult{Err: "schema validation failed: output is not an object", Raw: raw}
	}
	return ValidationResult{Valid: true, Data: obj}
}

// ValidateForRole runs Validate plus the reviewer cross-field rule: an
// approved verdict must carry no requested changes.
func ValidateForRole(role Role, raw string, schema map[string]any) ValidationResult {
	res := Validate(raw, schema)
	if !res.Valid || role != RoleReviewer {
		return res
	}
	if verdict, _ := res.Data["verdict"].(string); verdict == "approved" {
		if changes, _ := res.Data["requested_changes"].([]any); len(changes) > 0 {
			return ValidationResult{
				Err: "if verdict is 'approved', requested_changes must be empty",
				Raw: raw,
			}
		}
	}
	return res
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
