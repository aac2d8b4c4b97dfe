package runstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mmacy/vibe-orchestrator/internal/events"
)

// Registry enumerates and creates runs under the storage root. The clock
// and entropy source are injected so identifier generation is testable.
type Registry struct {
	RepoRoot string
	Now      func() time.Time
	Entropy  io.Reader
}

func NewRegistry(repoRoot string) *Registry {
	return &Registry{RepoRoot: repoRoot, Now: time.Now, Entropy: rand.Reader}
}

func (r *Registry) runsDir() string {
	return filepath.Join(r.RepoRoot, StorageDirName, "runs")
}

func (r *Registry) Persistence(runID string) *Persistence {
	return NewPersistence(r.RepoRoot, runID)
}

// ListRuns returns snapshots for every readable runs/*/run.json, newest
// first. Unreadable entries are skipped.
func (r *Registry) ListRuns() []*Snapshot {
	entries, err := os.ReadDir(r.runsDir())
	if err != nil {
		return nil
	}
	var snaps []*Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := r.Persistence(entry.Name()).LoadSnapshot()
		if err != nil {
			continue
		}
		snaps = append(snaps, s)
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt > snaps[j].CreatedAt
	})
	return snaps
}

// CreateRun generates an identifier and slug, writes the initial snapshot
// and artifacts, and appends the run_created event. The event timestamp
// equals the snapshot's created_at.
func (r *Registry) CreateRun(task, implementerAgent, reviewerAgent string) (*Persistence, *Snapshot, events.Event, error) {
	ts := r.Now()
	runID, err := NewRunID(ts, r.Entropy)
	if err != nil {
		return nil, nil, events.Event{}, err
	}
	slug := Slugify(task)
	branch := "agent/" + runID + "-" + slug
	stamp := ts.UTC().Format(time.RFC3339Nano)

	p := r.Persistence(runID)
	if err := p.EnsureDirectories(); err != nil {
		return nil, nil, events.Event{}, err
	}

	snap := &Snapshot{
		RunID:                runID,
		Task:                 task,
		Slug:                 slug,
		Branch:               branch,
		State:                StateCreated,
		Iteration:            0,
		CreatedAt:            stamp,
		UpdatedAt:            stamp,
		ImplementerAgent:     implementerAgent,
		ReviewerAgent:        reviewerAgent,
		LastImplementerTests: []TestResult{},
		LastRequestedChanges: []RequestedChange{},
	}
	if err := p.SaveSnapshot(snap); err != nil {
		return nil, nil, events.Event{}, err
	}
	if err := p.SaveArtifacts(&Artifacts{Branch: branch}); err != nil {
		return nil, nil, events.Event{}, err
	}

	ev := events.NewAt(ts, events.RunCreated, map[string]any{
		"run_id":            runID,
		"task":              task,
		"slug":              slug,
		"branch":            branch,
		"implementer_agent": implementerAgent,
		"reviewer_agent":    reviewerAgent,
	})
	if err := p.AppendEvent(ev); err != nil {
		return nil, nil, events.Event{}, err
	}
	return p, snap, ev, nil
}

// NewRunID builds a run identifier of the form YYYYMMDD-HHMMSS-<8 hex>
// using the local-time clock reading plus 32 random bits.
func NewRunID(ts time.Time, entropy io.Reader) (string, error) {
	var buf [4]byte
	if _, err := io.ReadFull(entropy, buf[:]); err != nil {
		return "", fmt.Errorf("run id entropy: %w", err)
	}
	return ts.Format("20060102-150405") + "-" + hex.EncodeToString(buf[:]), nil
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the branch slug from a task: first line, lowercased,
// non-alphanumeric runs collapsed to "-", trimmed, at most 24 characters,
// never ending in "-". An empty result becomes "task".
func Slugify(task string) string {
	first, _, _ := strings.Cut(task, "\n")
	slug := nonSlugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(first)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 24 {
		slug = slug[:24]
	}
	slug = strings.TrimRight(slug, "-")
	if slug == "" {
		return "task"
	}
	return slug
}
