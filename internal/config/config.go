// Package config loads the optional orchestrator.yaml file. Every field
// has a default; a missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mmacy/vibe-orchestrator/internal/engine"
	"github.com/mmacy/vibe-orchestrator/internal/gitsvc"
)

// DefaultPath is resolved relative to the repository root.
const DefaultPath = "orchestrator.yaml"

type AgentConfig struct {
	Kind       string `yaml:"kind"`
	Executable string `yaml:"executable"`
}

type DiffConfig struct {
	MaxFiles        int      `yaml:"max_files"`
	MaxBytes        int      `yaml:"max_bytes"`
	MaxHunksPerFile int      `yaml:"max_hunks_per_file"`
	Exclude         []string `yaml:"exclude"`
}

type Config struct {
	BaseBranch          string      `yaml:"base_branch"`
	Remote              string      `yaml:"remote"`
	ImplementerTimeoutS int         `yaml:"implementer_timeout_s"`
	ReviewerTimeoutS    int         `yaml:"reviewer_timeout_s"`
	GitGHTimeoutS       int         `yaml:"git_gh_timeout_s"`
	Diff                DiffConfig  `yaml:"diff"`
	Implementer         AgentConfig `yaml:"implementer"`
	Reviewer            AgentConfig `yaml:"reviewer"`
}

func Default() Config {
	return Config{
		BaseBranch:          "main",
		Remote:              "origin",
		ImplementerTimeoutS: int(engine.ImplementerTimeout.Seconds()),
		ReviewerTimeoutS:    int(engine.ReviewerTimeout.Seconds()),
		GitGHTimeoutS:       int(engine.GitGHTimeout.Seconds()),
		Diff: DiffConfig{
			MaxFiles:        25,
			MaxBytes:        200_000,
			MaxHunksPerFile: 8,
		},
		Implementer: AgentConfig{Kind: "claude"},
		Reviewer:    AgentConfig{Kind: "claude"},
	}
}

// Load reads path and merges it over the defaults. A missing file yields
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Implementer.Kind == "" {
		cfg.Implementer.Kind = "claude"
	}
	if cfg.Reviewer.Kind == "" {
		cfg.Reviewer.Kind = "claude"
	}
	return cfg, nil
}

// EngineConfig translates the file shape into the engine's config.
func (c Config) EngineConfig(repoRoot string) engine.Config {
	return engine.Config{
		RepoRoot:           repoRoot,
		BaseBranch:         c.BaseBranch,
		Remote:             c.Remote,
		ImplementerTimeout: time.Duration(c.ImplementerTimeoutS) * time.Second,
		ReviewerTimeout:    time.Duration(c.ReviewerTimeoutS) * time.Second,
		GitGHTimeout:       time.Duration(c.GitGHTimeoutS) * time.Second,
		DiffBudget: gitsvc.DiffBudget{
			MaxFiles:        c.Diff.MaxFiles,
			MaxBytes:        c.Diff.MaxBytes,
			MaxHunksPerFile: c.Diff.MaxHunksPerFile,
		},
	}
}
