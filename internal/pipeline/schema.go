package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ChuLiYu/docflow/internal/llm"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// maxPromptElements bounds how much of a reference document goes into a prompt.
const maxPromptElements = 40

const schemaPrompt = `Generate a JSON Schema (draft 2020-12) based on this description:

%s
%s
Return ONLY the JSON Schema object, with no commentary.`

// recordSchema constrains records supplied inline to a match task.
var recordSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind":              map[string]any{"enum": []any{"", string(types.DocInvoice), string(types.DocPurchaseOrder), string(types.DocGoodsReceipt)}},
		"reference":         map[string]any{"type": "string"},
		"document_number":   map[string]any{"type": "string"},
		"counterparty_name": map[string]any{"type": "string"},
		"counterpart_name":  map[string]any{"type": "string"},
		"total_amount":      map[string]any{"type": "string"},
		"line_items": map[string]any{
			"type": []any{"array", "null"},
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name"},
				"properties": map[string]any{
					"name":       map[string]any{"type": "string", "minLength": 1},
					"quantity":   map[string]any{"type": "string"},
					"unit_price": map[string]any{"type": "string"},
					"line_total": map[string]any{"type": "string"},
				},
			},
		},
	},
}

var (
	compiledRecordOnce sync.Once
	compiledRecord     *jsonschema.Schema
	compiledRecordErr  error
)

// ValidateRecord checks an extracted record against the record schema.
func ValidateRecord(rec types.ExtractedRecord) error {
	compiledRecordOnce.Do(func() {
		b, err := json.Marshal(recordSchema)
		if err != nil {
			compiledRecordErr = err
			return
		}
		compiledRecord, compiledRecordErr = compileSchema("record.json", b)
	})
	if compiledRecordErr != nil {
		return compiledRecordErr
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	if err := compiledRecord.Validate(v); err != nil {
		return fmt.Errorf("record does not match schema: %w", err)
	}
	return nil
}

func compileSchema(name string, b []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Schema handles a schema-generation task.
func (p *Pipeline) Schema(ctx context.Context, task *types.Task) (*types.Result, error) {
	if err := task.Payload.Validate(types.KindSchema); err != nil {
		return nil, types.NewTaskError(types.CodeMalformedPayload, err)
	}
	pl := task.Payload.Schema

	var reference string
	if pl.Source != nil && pl.Source.Location() != "" {
		elements, err := p.elements(ctx, *pl.Source, types.ChunkNone)
		if err != nil {
			return nil, err
		}
		reference = promptElements(elements)
	}

	out, err := p.llm.Complete(ctx, buildSchemaPrompt(pl.Description, reference))
	if err != nil {
		if errors.Is(err, llm.ErrDisabled) {
			return nil, types.NewTaskError(types.CodeLLMFailed, err)
		}
		return nil, p.collaboratorErr(types.CodeLLMFailed, err)
	}

	schema, err := ParseSchema(out)
	if err != nil {
		return nil, types.NewTaskError(types.CodeInvalidSchema, err)
	}
	return &types.Result{Schema: &types.SchemaResult{Schema: schema}}, nil
}

func buildSchemaPrompt(description, reference string) string {
	if reference != "" {
		reference = "\nUse these document elements as reference:\n\n" + reference + "\n"
	}
	return fmt.Sprintf(schemaPrompt, strings.TrimSpace(description), reference)
}

func promptElements(elements []types.Element) string {
	var b strings.Builder
	for i, el := range elements {
		if i == maxPromptElements {
			break
		}
		fmt.Fprintf(&b, "[%s] %s\n", el.Type, el.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseSchema extracts a JSON object from model output (optionally fenced
// in ``` blocks) and checks that it compiles as a JSON Schema.
func ParseSchema(out string) (map[string]any, error) {
	s := strings.TrimSpace(out)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(s), &schema); err != nil {
		return nil, fmt.Errorf("model output is not a JSON object: %w", err)
	}
	if len(schema) == 0 {
		return nil, errors.New("model returned an empty schema")
	}
	if _, err := compileSchema("generated.json", []byte(s)); err != nil {
		return nil, err
	}
	return schema, nil
}
