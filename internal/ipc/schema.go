package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// stageActionSchemaSrc restricts StageAction.Action to the verbs spec.md §6
// exposes via `loom stage`, and rejects a malformed request frame before
// it reaches the orchestration loop rather than failing deep inside
// dispatch.
var stageActionSchemaSrc = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"stage_id", "action"},
	"properties": map[string]any{
		"stage_id": map[string]any{"type": "string", "minLength": 1},
		"action": map[string]any{
			"type": "string",
			"enum": []string{"complete", "block", "reset", "retry", "skip", "hold", "release"},
		},
	},
}

// compileSchema compiles a raw JSON-Schema map into a validator, the same
// marshal-then-AddResource-then-Compile idiom vsavkov-kilroy's
// tool_registry.go uses for its tool-call parameter schemas.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshalling schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(b))); err != nil {
		return nil, fmt.Errorf("adding schema resource %s: %w", name, err)
	}
	return c.Compile(name)
}

var compiledStageActionSchema *jsonschema.Schema

func init() {
	s, err := compileSchema("stage_action.json", stageActionSchemaSrc)
	if err != nil {
		panic(fmt.Sprintf("ipc: compiling StageAction schema: %v", err))
	}
	compiledStageActionSchema = s
}

// ValidateStageAction validates a raw StageAction payload against its
// schema before it is unmarshalled into a StageActionPayload.
func ValidateStageAction(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parsing StageAction payload: %w", err)
	}
	if err := compiledStageActionSchema.Validate(v); err != nil {
		return fmt.Errorf("invalid StageAction payload: %w", err)
	}
	return nil
}
