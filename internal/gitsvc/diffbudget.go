package gitsvc

import (
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Markers emitted by the budgeting algorithm. They reach the reviewer
// verbatim inside the budgeted diff; the reviewer prompt does not explain
// them.
const (
	truncatedHunksMarker  = "[TRUNCATED_HUNKS]"
	truncatedBudgetMarker = "[TRUNCATED_DIFF_BUDGET]"
)

// buildBudgetedDiff applies the three caps in order: file count, per-file
// hunk count, total byte budget. Output is stable for identical inputs.
func buildBudgetedDiff(files []string, budget DiffBudget, fileDiff func(string) (string, error)) (string, error) {
	omitted := 0
	if len(files) > budget.MaxFiles {
		omitted = len(files) - budget.MaxFiles
		files = files[:budget.MaxFiles]
	}

	var parts []string
	totalBytes := 0
	for _, file := range files {
		diff, err := fileDiff(file)
		if err != nil {
			return "", err
		}
		truncated := truncateHunks(diff, budget.MaxHunksPerFile)
		if totalBytes+len(truncated) > budget.MaxBytes {
			parts = append(parts, "\n"+truncatedBudgetMarker+"\n")
			break
		}
		parts = append(parts, truncated)
		totalBytes += len(truncated)
	}

	if omitted > 0 {
		parts = append([]string{"OMITTED_FILES_COUNT=" + strconv.Itoa(omitted) + "\n\n"}, parts...)
	}
	return strings.Join(parts, ""), nil
}

// truncateHunks keeps the diff verbatim up to the hunk cap. The header of
// the first hunk past the cap is replaced by the truncation marker and not
// restored; this is intentional, the marker stands in for the dropped tail.
func truncateHunks(diff string, maxHunks int) string {
	lines := strings.Split(diff, "\n")
	var kept []string
	hunks := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "@@") {
			hunks++
			if hunks > maxHunks {
				kept = append(kept, truncatedHunksMarker)
				break
			}
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func filterExcluded(files []string, globs []string) []string {
	if len(globs) == 0 {
		return files
	}
	var kept []string
	for _, file := range files {
		excluded := false
		for _, glob := range globs {
			if ok, err := doublestar.Match(glob, file); err == nil && ok {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, file)
		}
	}
	return kept
}
