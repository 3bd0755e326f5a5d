package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/docflow/internal/llm"
	"github.com/ChuLiYu/docflow/pkg/types"
)

const agentPrompt = `Perform this task: %s
%s
When the answer is structured, return it as JSON only.`

// Agent handles a free-form instruction. With a source, the document's
// elements are placed in the prompt.
func (p *Pipeline) Agent(ctx context.Context, task *types.Task) (*types.Result, error) {
	if err := task.Payload.Validate(types.KindAgent); err != nil {
		return nil, types.NewTaskError(types.CodeMalformedPayload, err)
	}
	pl := task.Payload.Agent

	var reference string
	if pl.Source != nil && pl.Source.Location() != "" {
		elements, err := p.elements(ctx, *pl.Source, types.ChunkNone)
		if err != nil {
			return nil, err
		}
		reference = promptElements(elements)
	}

	out, err := p.llm.Complete(ctx, buildAgentPrompt(pl.Instruction, reference))
	if err != nil {
		if errors.Is(err, llm.ErrDisabled) {
			return nil, types.NewTaskError(types.CodeLLMFailed, err)
		}
		return nil, p.collaboratorErr(types.CodeLLMFailed, err)
	}

	res := &types.AgentResult{Response: strings.TrimSpace(out)}
	if data, ok := parseJSONAnswer(out); ok {
		res.Data = data
	}
	return &types.Result{Agent: res}, nil
}

func buildAgentPrompt(instruction, reference string) string {
	if reference != "" {
		reference = "\nUse these document elements:\n\n" + reference + "\n"
	}
	return fmt.Sprintf(agentPrompt, strings.TrimSpace(instruction), reference)
}

// parseJSONAnswer decodes model output that is a JSON object or array,
// optionally fenced in ``` blocks.
func parseJSONAnswer(out string) (any, bool) {
	s := strings.TrimSpace(out)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}
