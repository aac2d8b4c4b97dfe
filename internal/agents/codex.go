package agents

import (
	"os"
	"strings"
)

// CodexDriver invokes the Codex CLI:
//
//	codex exec --full-auto --output-schema <schema-path> --output-last-message <out-path> -
//
// The prompt travels on stdin; the final message lands in the output file.
type CodexDriver struct {
	Executable string
}

func (d *CodexDriver) DefaultExecutable() string { return "codex" }
func (d *CodexDriver) Name() string              { return "Codex" }

func (d *CodexDriver) executable() string {
	if d.Executable != "" {
		return d.Executable
	}
	return d.DefaultExecutable()
}

func (d *CodexDriver) BuildCommand(p CommandParams) (Command, error) {
	return Command{
		Argv: []string{
			d.executable(),
			"exec",
			"--full-auto",
			"--output-schema", p.SchemaPath,
			"--output-last-message", p.OutputPath,
			"-",
		},
		Stdin: p.Prompt,
	}, nil
}

// ExtractOutput prefers the last-message file; stdout is the fallback when
// the CLI never wrote it.
func (d *CodexDriver) ExtractOutput(stdout, stderr, outputPath string) string {
	if b, err := os.ReadFile(outputPath); err == nil {
		return string(b)
	}
	return strings.TrimSpace(stdout)
}
