package agents

// The two output contracts are fixed JSON Schemas (draft 2020-12). Both
// forbid extra properties and pin a type constant to the role.

// ImplementerSchema returns the schema for implementer output.
func ImplementerSchema() map[string]any {
	return map[string]any{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"title":       "ImplementerResult",
		"description": "Output from the implementer agent",
		"type":        "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"const":       "implementer_result",
				"description": "Must be 'implementer_result'",
			},
			"summary": map[string]any{
				"type":        "string",
				"description": "Brief summary of the changes made",
			},
			"commit_message": map[string]any{
				"type":        "string",
				"description": "Commit message for the changes",
			},
			"tests": map[string]any{
				"type":        "array",
				"description": "Test results",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "Test command that was run",
						},
						"result": map[string]any{
							"type":        "string",
							"enum":        []any{"pass", "fail", "not_run"},
							"description": "Test result",
						},
						"notes": map[string]any{
							"type":        "string",
							"description": "Additional notes about the test",
						},
					},
					"required":             []any{"command", "result"},
					"additionalProperties": false,
				},
			},
			"notes": map[string]any{
				"type":        "array",
				"description": "Additional notes",
				"items":       map[string]any{"type": "string"},
			},
		},
		"required":             []any{"type", "summary", "commit_message", "tests", "notes"},
		"additionalProperties": false,
	}
}

// ReviewerSchema returns the schema for reviewer output.
func ReviewerSchema() map[string]any {
	return map[string]any{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"title":       "ReviewerResult",
		"description": "Output from the reviewer agent",
		"type":        "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"const":       "reviewer_result",
				"description": "Must be 'reviewer_result'",
			},
			"verdict": map[string]any{
				"type":        "string",
				"enum":        []any{"approved", "changes_requested"},
				"description": "Review verdict",
			},
			"requested_changes": map[string]any{
				"type":        "array",
				"description": "List of requested changes (empty if approved)",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "Unique identifier (e.g., C1, C2)",
						},
						"path": map[string]any{
							"type":        "string",
							"description": "File path or '*' for global",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "What needs to change",
						},
						"acceptance": map[string]any{
							"type":        "string",
							"description": "Objective pass/fail criteria",
						},
					},
					"required":             []any{"id", "path", "description", "acceptance"},
					"additionalProperties": false,
				},
			},
			"notes": map[string]any{
				"type":        "array",
				"description": "Additional notes",
				"items":       map[string]any{"type": "string"},
			},
		},
		"required":             []any{"type", "verdict", "requested_changes", "notes"},
		"additionalProperties": false,
	}
}

// SchemaForRole maps a role to its output schema.
func SchemaForRole(role Role) map[string]any {
	if role == RoleReviewer {
		return ReviewerSchema()
	}
	return ImplementerSchema()
}
