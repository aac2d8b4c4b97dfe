package engine

import (
	"fmt"
	"strings"

	"github.com/mmacy/vibe-orchestrator/internal/runstore"
)

// BuildImplementerPrompt assembles the implementer's prompt: role, task,
// output contract, rules, and, on iterations past the first, the
// reviewer's requested changes.
func BuildImplementerPrompt(snap *runstore.Snapshot) string {
	parts := []string{
		"You are an implementer agent. Your task is to implement changes in a codebase.",
		"",
		"## Task",
		snap.Task,
		"",
		"## Output Requirements",
		"You MUST output a valid JSON object with the following structure:",
		`- type: "implementer_result"`,
		"- summary: A brief summary of the changes made",
		"- commit_message: A commit message for the changes",
		"- tests: Array of test results (command, result, notes)",
		"- notes: Array of additional notes",
		"",
		"## Rules",
		"- Do NOT run git or gh commands. The orchestrator handles git operations.",
		"- Make all necessary code changes directly.",
		"- Run relevant tests and report results.",
		"- Output ONLY valid JSON, no markdown or prose.",
	}

	if snap.Iteration > 0 && len(snap.LastRequestedChanges) > 0 {
		parts = append(parts,
			"",
			"## Requested Changes to Address",
			"The reviewer has requested the following changes:",
		)
		for _, change := range snap.LastRequestedChanges {
			parts = append(parts,
				"",
				fmt.Sprintf("### %s: %s", change.ID, change.Path),
				fmt.Sprintf("**Description:** %s", change.Description),
				fmt.Sprintf("**Acceptance criteria:** %s", change.Acceptance),
			)
		}
	}

	return strings.Join(parts, "\n")
}

// BuildReviewerPrompt assembles the reviewer's prompt: PR coordinates, the
// implementer's summary and test results, the diff stat, and the budgeted
// diff, followed by the output contract and rules.
func BuildReviewerPrompt(snap *runstore.Snapshot, artifacts *runstore.Artifacts, diffStat, budgetedDiff string) string {
	prURL := artifacts.PRURL
	if prURL == "" {
		prURL = "Not yet created"
	}
	summary := snap.LastImplementerSummary
	if summary == "" {
		summary = "No summary provided"
	}

	parts := []string{
		"You are a code reviewer agent. Review the following changes and provide a verdict.",
		"",
		"## PR Information",
		"PR URL: " + prURL,
		"",
		"## Implementer Summary",
		summary,
		"",
		"## Test Results",
	}

	if len(snap.LastImplementerTests) > 0 {
		for _, test := range snap.LastImplementerTests {
			parts = append(parts, fmt.Sprintf("- %s: %s", test.Command, test.Result))
			if test.Notes != "" {
				parts = append(parts, "  Notes: "+test.Notes)
			}
		}
	} else {
		parts = append(parts, "No tests reported")
	}

	parts = append(parts,
		"",
		"## Diff Statistics",
		"```",
		diffStat,
		"```",
		"",
		"## Code Changes",
		"```diff",
		budgetedDiff,
		"```",
		"",
		"## Output Requirements",
		"You MUST output a valid JSON object with the following structure:",
		`- type: "reviewer_result"`,
		`- verdict: "approved" or "changes_requested"`,
		"- requested_changes: Array of changes (empty if approved)",
		"  - id: Unique ID (e.g., C1, C2)",
		`  - path: File path or "*" for global`,
		"  - description: What needs to change",
		"  - acceptance: Objective pass/fail criteria",
		"- notes: Array of additional notes",
		"",
		"## Rules",
		"- Do NOT run git or gh commands.",
		"- If verdict is approved, requested_changes MUST be empty.",
		"- Output ONLY valid JSON, no markdown or prose.",
	)

	return strings.Join(parts, "\n")
}
