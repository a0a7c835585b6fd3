package stagestore

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

// rawStage has exactly Stage's fields and yaml tags and is the type the
// front matter is marshalled from and decoded into; parseFromMarkdown
// decodes with KnownFields(true), so any key this package doesn't
// recognize is rejected — spec.md §4.1/§6 require unknown keys to be
// rejected on parse, not silently ignored.
type rawStage Stage

// serialize renders a Stage as markdown: a YAML front-matter block carrying
// every mutable and immutable field, followed by a human-readable body
// (description + acceptance list) for readers who open the file directly.
func serialize(s *Stage) ([]byte, error) {
	fm, err := yaml.Marshal((*rawStage)(s))
	if err != nil {
		return nil, fmt.Errorf("marshalling front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.WriteByte('\n')
	buf.Write(fm)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n\n")
	fmt.Fprintf(&buf, "# %s\n\n", s.Name)
	if s.Description != "" {
		buf.WriteString(s.Description)
		buf.WriteString("\n\n")
	}
	if len(s.Acceptance) > 0 {
		buf.WriteString("## Acceptance\n\n")
		for _, cmd := range s.Acceptance {
			fmt.Fprintf(&buf, "- `%s`\n", cmd)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// parseFromMarkdown extracts the front-matter block and decodes it into a
// Stage, rejecting unknown keys. The body is not parsed back — it exists
// for human readers only, and serialize regenerates it deterministically
// from the decoded fields, which is what the round-trip law in spec.md §8
// ("parse_from_markdown(serialize(stage)) == stage") requires: the body is
// derived, not an independent source of truth.
func parseFromMarkdown(path string, data []byte) (*Stage, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelim) {
		return nil, &ParseError{Path: path, Reason: "missing front matter delimiter"}
	}
	rest := text[len(frontMatterDelim):]
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end == -1 {
		return nil, &ParseError{Path: path, Reason: "unterminated front matter block"}
	}
	fm := rest[:end]

	dec := yaml.NewDecoder(strings.NewReader(fm))
	dec.KnownFields(true)
	var raw rawStage
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}

	stage := Stage(raw)
	if err := stage.Validate(); err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	return &stage, nil
}
