package planparser

import "testing"

const samplePlan = `# Example plan

<!-- loom METADATA -->
loom:
  version: 1
  stages:
    - id: schema
      name: Schema
      working_dir: db
      truths: ["migrations apply cleanly"]
    - id: build-api
      name: Build API
      working_dir: services/api
      dependencies: [schema]
      acceptance: ["go test ./..."]
      truths: ["server responds on :8080"]
<!-- END loom METADATA -->

Body text for humans.
`

func TestParseValidPlan(t *testing.T) {
	doc, err := Parse(samplePlan)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Stages) != 2 {
		t.Fatalf("got %d stages, want 2", len(doc.Stages))
	}
	if doc.Stages[1].Dependencies[0] != "schema" {
		t.Errorf("build-api deps = %v", doc.Stages[1].Dependencies)
	}
}

func TestParseRejectsUnknownDependency(t *testing.T) {
	plan := `<!-- loom METADATA -->
loom:
  version: 1
  stages:
    - id: a
      name: A
      working_dir: .
      dependencies: [ghost]
      truths: ["t"]
<!-- END loom METADATA -->
`
	if _, err := Parse(plan); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestParseRejectsDuplicateID(t *testing.T) {
	plan := `<!-- loom METADATA -->
loom:
  version: 1
  stages:
    - id: a
      name: A
      working_dir: .
      truths: ["t"]
    - id: a
      name: A2
      working_dir: .
      truths: ["t"]
<!-- END loom METADATA -->
`
	if _, err := Parse(plan); err == nil {
		t.Fatal("expected error for duplicate stage id")
	}
}

func TestParseMissingMetadataBlock(t *testing.T) {
	if _, err := Parse("just some markdown, no metadata"); err == nil {
		t.Fatal("expected error for missing metadata block")
	}
}
