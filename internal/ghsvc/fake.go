package ghsvc

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory GitHub service for deterministic tests. PR numbers
// and comment ids increment monotonically from 1.
type Fake struct {
	mu          sync.Mutex
	prs         map[string]*PR // branch -> PR
	comments    map[int64]string
	nextPR      int
	nextComment int64

	CreatedPRs   int
	CreatedCount int
	UpdatedCount int
}

func NewFake() *Fake {
	return &Fake{
		prs:         map[string]*PR{},
		comments:    map[int64]string{},
		nextPR:      1,
		nextComment: 1,
	}
}

func (f *Fake) FindPR(ctx context.Context, branch string) (*PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[branch]
	if !ok {
		return nil, nil
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) CreatePR(ctx context.Context, branch, baseBranch, title, body string) (*PR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := &PR{
		Number: f.nextPR,
		URL:    fmt.Sprintf("https://github.com/test/repo/pull/%d", f.nextPR),
	}
	f.nextPR++
	f.prs[branch] = pr
	f.CreatedPRs++
	cp := *pr
	return &cp, nil
}

func (f *Fake) CreateComment(ctx context.Context, prNumber int, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextComment
	f.nextComment++
	f.comments[id] = body
	f.CreatedCount++
	return id, nil
}

func (f *Fake) UpdateComment(ctx context.Context, commentID int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.comments[commentID]; !ok {
		return fmt.Errorf("comment %d not found", commentID)
	}
	f.comments[commentID] = body
	f.UpdatedCount++
	return nil
}

// Comment returns the current body of a comment, for assertions.
func (f *Fake) Comment(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.comments[id]
	return body, ok
}
