package gitsvc

import (
	"fmt"
	"strings"
	"testing"
)

func syntheticDiff(file string, hunks int, lineLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", file, file)
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", file, file)
	for i := 0; i < hunks; i++ {
		fmt.Fprintf(&b, "@@ -%d,2 +%d,2 @@\n", i*10+1, i*10+1)
		b.WriteString("-" + strings.Repeat("x", lineLen) + "\n")
		b.WriteString("+" + strings.Repeat("y", lineLen) + "\n")
	}
	return b.String()
}

func countHunkHeaders(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "@@") {
			n++
		}
	}
	return n
}

func TestTruncateHunksUnderCap(t *testing.T) {
	diff := syntheticDiff("a.go", 3, 10)
	got := truncateHunks(diff, 8)
	if got != diff {
		t.Error("diff under the cap must pass through verbatim")
	}
}

func TestTruncateHunksReplacesOverflowHeader(t *testing.T) {
	diff := syntheticDiff("a.go", 5, 10)
	got := truncateHunks(diff, 2)
	if n := countHunkHeaders(got); n != 2 {
		t.Errorf("kept %d hunk headers, want 2", n)
	}
	if !strings.Contains(got, truncatedHunksMarker) {
		t.Error("marker missing")
	}
	// The marker stands in for the third hunk header; nothing follows it.
	if !strings.HasSuffix(got, truncatedHunksMarker) {
		t.Errorf("output should stop at the marker, got tail %q", got[len(got)-40:])
	}
}

func TestBuildBudgetedDiffFileCap(t *testing.T) {
	files := []string{"a.go", "b.go", "c.go", "d.go"}
	diffs := map[string]string{}
	for _, f := range files {
		diffs[f] = syntheticDiff(f, 1, 10)
	}
	budget := DiffBudget{MaxFiles: 2, MaxBytes: 1 << 20, MaxHunksPerFile: 8}
	out, err := buildBudgetedDiff(files, budget, func(f string) (string, error) { return diffs[f], nil })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "OMITTED_FILES_COUNT=2\n\n") {
		t.Errorf("omitted marker missing or wrong: %q", out[:40])
	}
	if !strings.Contains(out, "a/a.go") || !strings.Contains(out, "a/b.go") {
		t.Error("kept files missing")
	}
	if strings.Contains(out, "c.go") || strings.Contains(out, "d.go") {
		t.Error("dropped files leaked into output")
	}
}

func TestBuildBudgetedDiffNoOmittedLineUnderCap(t *testing.T) {
	files := []string{"a.go"}
	budget := DiffBudget{MaxFiles: 25, MaxBytes: 1 << 20, MaxHunksPerFile: 8}
	out, err := buildBudgetedDiff(files, budget, func(f string) (string, error) {
		return syntheticDiff(f, 1, 10), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "OMITTED_FILES_COUNT") {
		t.Error("omitted marker must only appear when files were dropped")
	}
}

func TestBuildBudgetedDiffByteBudget(t *testing.T) {
	files := []string{"a.go", "b.go", "c.go"}
	diffs := map[string]string{}
	for _, f := range files {
		diffs[f] = syntheticDiff(f, 2, 200)
	}
	perFile := len(diffs["a.go"])
	budget := DiffBudget{MaxFiles: 25, MaxBytes: perFile + perFile/2, MaxHunksPerFile: 8}
	out, err := buildBudgetedDiff(files, budget, func(f string) (string, error) { return diffs[f], nil })
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, truncatedBudgetMarker) {
		t.Error("budget marker missing")
	}
	if !strings.Contains(out, "a/a.go") {
		t.Error("first file should fit")
	}
	if strings.Contains(out, "a/b.go") || strings.Contains(out, "a/c.go") {
		t.Error("budget-exceeding files leaked")
	}
	// Payload bytes (everything before the marker line) stay within budget.
	payload := out[:strings.Index(out, "\n"+truncatedBudgetMarker)]
	if len(payload) > budget.MaxBytes {
		t.Errorf("payload %d bytes exceeds budget %d", len(payload), budget.MaxBytes)
	}
}

func TestBuildBudgetedDiffHunkCapPerFile(t *testing.T) {
	files := []string{"a.go", "b.go"}
	budget := DiffBudget{MaxFiles: 25, MaxBytes: 1 << 20, MaxHunksPerFile: 3}
	out, err := buildBudgetedDiff(files, budget, func(f string) (string, error) {
		return syntheticDiff(f, 6, 10), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, section := range strings.SplitAfter(out, "diff --git") {
		if n := countHunkHeaders(section); n > 3 {
			t.Errorf("file section has %d hunks, cap is 3", n)
		}
	}
	if got := strings.Count(out, truncatedHunksMarker); got != 2 {
		t.Errorf("expected a marker per truncated file, got %d", got)
	}
}

func TestBuildBudgetedDiffDeterministic(t *testing.T) {
	files := []string{"a.go", "b.go", "c.go"}
	budget := DiffBudget{MaxFiles: 2, MaxBytes: 4000, MaxHunksPerFile: 2}
	fetch := func(f string) (string, error) { return syntheticDiff(f, 4, 50), nil }
	first, err := buildBudgetedDiff(files, budget, fetch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := buildBudgetedDiff(files, budget, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("budgeted diff is not stable for identical inputs")
	}
}

func TestFilterExcluded(t *testing.T) {
	files := []string{"go.sum", "internal/a.go", "vendor/x/y.go", "docs/readme.md"}
	got := filterExcluded(files, []string{"go.sum", "vendor/**"})
	want := []string{"internal/a.go", "docs/readme.md"}
	if len(got) != len(want) {
		t.Fatalf("filtered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("filtered[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
