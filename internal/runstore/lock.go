package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mmacy/vibe-orchestrator/internal/procutil"
)

// Lock guards a run directory against a second engine instance driving the
// same run. The lock file records the holder's pid and an instance token;
// a lock whose pid is no longer alive is stale and gets replaced.
type Lock struct {
	Path  string
	Token string
}

type lockInfo struct {
	PID        int    `json:"pid"`
	Token      string `json:"token"`
	AcquiredAt string `json:"acquired_at"`
}

// ErrLocked is wrapped by AcquireLock when another live engine holds the run.
var ErrLocked = errors.New("run is locked by another engine")

// AcquireLock takes the run lock for this process, replacing stale locks.
func AcquireLock(runDir string) (*Lock, error) {
	path := filepath.Join(runDir, "run.lock")
	if b, err := os.ReadFile(path); err == nil {
		var info lockInfo
		if json.Unmarshal(b, &info) == nil &&
			info.PID != os.Getpid() && procutil.PIDAlive(info.PID) {
			return nil, fmt.Errorf("%w (pid %d, token %s)", ErrLocked, info.PID, info.Token)
		}
	}
	info := lockInfo{
		PID:        os.Getpid(),
		Token:      ulid.Make().String(),
		AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return nil, err
	}
	return &Lock{Path: path, Token: info.Token}, nil
}

// Release removes the lock file. Releasing a lock twice is harmless.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
