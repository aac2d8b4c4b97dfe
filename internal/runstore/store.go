package runstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmacy/vibe-orchestrator/internal/events"
)

// StorageDirName is the fixed directory under the repository root that
// holds all orchestrator state.
const StorageDirName = ".vibe-orchestrator"

// Persistence handles the on-disk layout of a single run:
//
//	.vibe-orchestrator/runs/<run_id>/
//	    run.json  artifacts.json  events.jsonl  run.lock
//	    prompts/{implementer,reviewer}.txt
//	    schemas/{implementer,reviewer}.json
//	    {implementer,reviewer}_output.json
//	.vibe-orchestrator/worktrees/<run_id>/
type Persistence struct {
	RepoRoot string
	RunID    string
}

func NewPersistence(repoRoot, runID string) *Persistence {
	return &Persistence{RepoRoot: repoRoot, RunID: runID}
}

func (p *Persistence) StorageRoot() string {
	return filepath.Join(p.RepoRoot, StorageDirName)
}

func (p *Persistence) RunDir() string {
	return filepath.Join(p.StorageRoot(), "runs", p.RunID)
}

// WorktreePath is deterministic from the run ID, which makes worktree
// creation retry-safe: a path that already exists is simply reused.
func (p *Persistence) WorktreePath() string {
	return filepath.Join(p.StorageRoot(), "worktrees", p.RunID)
}

func (p *Persistence) EventsPath() string    { return filepath.Join(p.RunDir(), "events.jsonl") }
func (p *Persistence) SnapshotPath() string  { return filepath.Join(p.RunDir(), "run.json") }
func (p *Persistence) ArtifactsPath() string { return filepath.Join(p.RunDir(), "artifacts.json") }
func (p *Persistence) PromptsDir() string    { return filepath.Join(p.RunDir(), "prompts") }
func (p *Persistence) SchemasDir() string    { return filepath.Join(p.RunDir(), "schemas") }

func (p *Persistence) PromptPath(role string) string {
	return filepath.Join(p.PromptsDir(), role+".txt")
}

func (p *Persistence) SchemaPath(role string) string {
	return filepath.Join(p.SchemasDir(), role+".json")
}

func (p *Persistence) OutputPath(role string) string {
	return filepath.Join(p.RunDir(), role+"_output.json")
}

func (p *Persistence) EnsureDirectories() error {
	for _, dir := range []string{
		p.RunDir(),
		p.PromptsDir(),
		p.SchemasDir(),
		filepath.Join(p.StorageRoot(), "worktrees"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent writes one compact JSON line to events.jsonl and syncs it.
// Appends are strictly ordered; a crash between append and snapshot save
// leaves the log as the authoritative record.
func (p *Persistence) AppendEvent(ev events.Event) error {
	b, err := ev.Encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadEvents returns every event in the log. A partial trailing line (from
// a kill mid-append) is skipped; corruption anywhere else is an error.
func (p *Persistence) ReadEvents() ([]events.Event, error) {
	f, err := os.Open(p.EventsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lines []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var evs []events.Event
	for i, line := range lines {
		ev, err := events.Decode([]byte(line))
		if err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("events.jsonl line %d: %w", i+1, err)
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (p *Persistence) SaveSnapshot(s *Snapshot) error {
	return writeJSON(p.SnapshotPath(), s)
}

// LoadSnapshot reads run.json; when the cache is missing it reconstructs
// the snapshot by replaying events.jsonl.
func (p *Persistence) LoadSnapshot() (*Snapshot, error) {
	b, err := os.ReadFile(p.SnapshotPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			evs, rerr := p.ReadEvents()
			if rerr != nil {
				return nil, rerr
			}
			if len(evs) == 0 {
				return nil, fmt.Errorf("run %s: no snapshot and no events", p.RunID)
			}
			return Replay(evs)
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.SnapshotPath(), err)
	}
	return &s, nil
}

func (p *Persistence) SaveArtifacts(a *Artifacts) error {
	return writeJSON(p.ArtifactsPath(), a)
}

func (p *Persistence) LoadArtifacts() (*Artifacts, error) {
	b, err := os.ReadFile(p.ArtifactsPath())
	if err != nil {
		return nil, err
	}
	var a Artifacts
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.ArtifactsPath(), err)
	}
	return &a, nil
}

func (p *Persistence) SavePrompt(role, prompt string) error {
	return os.WriteFile(p.PromptPath(role), []byte(prompt), 0o644)
}

func (p *Persistence) SaveSchema(role string, schema map[string]any) error {
	return writeJSON(p.SchemaPath(role), schema)
}

func (p *Persistence) LoadSchema(role string) (map[string]any, error) {
	b, err := os.ReadFile(p.SchemaPath(role))
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.SchemaPath(role), err)
	}
	return schema, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
