package agents

import "encoding/json"

// BuildRepairPrompt produces the fixed-shape prompt for the single repair
// attempt: the schema as pretty JSON, the invalid output, the validation
// error, and the bare-JSON output instructions.
func BuildRepairPrompt(schema map[string]any, rawOutput, validationError string) string {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		schemaJSON = []byte("{}")
	}
	return `REPAIR OUTPUT

Your previous output was invalid. Please fix it and output ONLY valid JSON.

## Error
` + validationError + `

## Required Schema
` + "```json\n" + string(schemaJSON) + "\n```" + `

## Your Invalid Output
` + "```\n" + rawOutput + "\n```" + `

## Instructions
1. Return ONLY valid JSON that conforms to the schema above.
2. Do NOT include any prose, markdown formatting, or explanations.
3. Do NOT wrap the JSON in code blocks.
4. The output must be parseable as JSON directly.

Output the corrected JSON now:`
}
