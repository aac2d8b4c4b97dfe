package agents

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaudeDriver invokes the Claude Code CLI:
//
//	claude -p <prompt> --output-format json --json-schema <schema-json>
//
// The CLI prints a JSON envelope on stdout whose structured_output field
// carries the agent's result.
type ClaudeDriver struct {
	Executable string
}

func (d *ClaudeDriver) DefaultExecutable() string { return "claude" }
func (d *ClaudeDriver) Name() string              { return "Claude" }

func (d *ClaudeDriver) executable() string {
	if d.Executable != "" {
		return d.Executable
	}
	return d.DefaultExecutable()
}

func (d *ClaudeDriver) BuildCommand(p CommandParams) (Command, error) {
	schemaJSON, err := json.Marshal(p.Schema)
	if err != nil {
		return Command{}, fmt.Errorf("encode schema: %w", err)
	}
	return Command{
		Argv: []string{
			d.executable(),
			"-p", p.Prompt,
			"--output-format", "json",
			"--json-schema", string(schemaJSON),
		},
	}, nil
}

// ExtractOutput unwraps the structured_output field. An object is
// re-serialised; a string passes through; anything unparseable falls back
// to raw stdout.
func (d *ClaudeDriver) ExtractOutput(stdout, stderr, outputPath string) string {
	var envelope map[string]any
	if err := json.Unmarshal([]byte(stdout), &envelope); err != nil {
		return strings.TrimSpace(stdout)
	}
	structured, ok := envelope["structured_output"]
	if !ok {
		return strings.TrimSpace(stdout)
	}
	if obj, ok := structured.(map[string]any); ok {
		b, err := json.Marshal(obj)
		if err != nil {
			return strings.TrimSpace(stdout)
		}
		return string(b)
	}
	return fmt.Sprint(structured)
}
