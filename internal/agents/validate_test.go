package agents

import (
	"strings"
	"testing"
)

const validImplementerJSON = `{
	"type": "implementer_result",
	"summary": "Added auth module",
	"commit_message": "Add auth",
	"tests": [{"command": "go test ./...", "result": "pass", "notes": "ok"}],
	"notes": ["touched two files"]
}`

func TestValidateImplementerOutput(t *testing.T) {
	res := ValidateForRole(RoleImplementer, validImplementerJSON, ImplementerSchema())
	if !res.Valid {
		t.Fatalf("valid output rejected: %s", res.Err)
	}
	if res.Data["summary"] != "Added auth module" {
		t.Errorf("data = %+v", res.Data)
	}
}

func TestValidateRejectsNonJSON(t *testing.T) {
	res := Validate("this is not json", ImplementerSchema())
	if res.Valid {
		t.Fatal("garbage accepted")
	}
	if !strings.Contains(res.Err, "invalid JSON") {
		t.Errorf("err = %q", res.Err)
	}
	if res.Raw != "this is not json" {
		t.Errorf("raw output not preserved: %q", res.Raw)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	res := Validate(`{"type":"implementer_result","summary":"s","tests":[],"notes":[]}`, ImplementerSchema())
	if res.Valid {
		t.Fatal("output missing commit_message accepted")
	}
}

func TestValidateRejectsExtraProperty(t *testing.T) {
	res := Validate(`{
		"type": "implementer_result", "summary": "s", "commit_message": "m",
		"tests": [], "notes": [], "surprise": true
	}`, ImplementerSchema())
	if res.Valid {
		t.Fatal("additional property accepted")
	}
}

func TestValidateRejectsWrongTypeConstant(t *testing.T) {
	res := Validate(`{
		"type": "reviewer_result", "summary": "s", "commit_message": "m",
		"tests": [], "notes": []
	}`, ImplementerSchema())
	if res.Valid {
		t.Fatal("wrong type constant accepted")
	}
}

func TestValidateRejectsBadTestResultEnum(t *testing.T) {
	res := Validate(`{
		"type": "implementer_result", "summary": "s", "commit_message": "m",
		"tests": [{"command": "go test", "result": "maybe"}], "notes": []
	}`, ImplementerSchema())
	if res.Valid {
		t.Fatal("bad enum value accepted")
	}
}

func TestValidateRejectsNonObject(t *testing.T) {
	if res := Validate(`[1,2,3]`, ImplementerSchema()); res.Valid {
		t.Fatal("array accepted")
	}
}

func TestValidateReviewerApproved(t *testing.T) {
	res := ValidateForRole(RoleReviewer, `{
		"type": "reviewer_result", "verdict": "approved",
		"requested_changes": [], "notes": []
	}`, ReviewerSchema())
	if !res.Valid {
		t.Fatalf("approved output rejected: %s", res.Err)
	}
}

func TestValidateReviewerApprovedWithChangesRejected(t *testing.T) {
	res := ValidateForRole(RoleReviewer, `{
		"type": "reviewer_result", "verdict": "approved",
		"requested_changes": [
			{"id": "C1", "path": "x.go", "description": "d", "acceptance": "a"}
		],
		"notes": []
	}`, ReviewerSchema())
	if res.Valid {
		t.Fatal("approved verdict with requested changes accepted")
	}
	if !strings.Contains(res.Err, "requested_changes must be empty") {
		t.Errorf("err = %q", res.Err)
	}
}

func TestValidateReviewerChangesRequested(t *testing.T) {
	res := ValidateForRole(RoleReviewer, `{
		"type": "reviewer_result", "verdict": "changes_requested",
		"requested_changes": [
			{"id": "C1", "path": "src/x.py", "description": "handle nil", "acceptance": "add guard"}
		],
		"notes": []
	}`, ReviewerSchema())
	if !res.Valid {
		t.Fatalf("changes_requested output rejected: %s", res.Err)
	}
}

func TestValidateReviewerChangeMissingAcceptance(t *testing.T) {
	res := Validate(`{
		"type": "reviewer_result", "verdict": "changes_requested",
		"requested_changes": [{"id": "C1", "path": "x.go", "description": "d"}],
		"notes": []
	}`, ReviewerSchema())
	if res.Valid {
		t.Fatal("change without acceptance accepted")
	}
}
