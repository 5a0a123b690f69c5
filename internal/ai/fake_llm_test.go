package ai

import (
	"context"

	"inboxzero/internal/llm"
)

type llmCall struct {
	operation string
	system    string
	user      string
	tool      *llm.Tool
}

type fakeLLM struct {
	jsonResponse string
	toolResponse string
	textResponse string
	err          error
	calls        []llmCall
}

func (f *fakeLLM) CompleteJSON(_ context.Context, op, system, user string) (string, error) {
	f.calls = append(f.calls, llmCall{operation: op, system: system, user: user})
	return f.jsonResponse, f.err
}

func (f *fakeLLM) CallTool(_ context.Context, op, system, user string, tool llm.Tool) (string, error) {
	f.calls = append(f.calls, llmCall{operation: op, system: system, user: user, tool: &tool})
	return f.toolResponse, f.err
}

func (f *fakeLLM) Complete(_ context.Context, op, system, user string) (string, error) {
	f.calls = append(f.calls, llmCall{operation: op, system: system, user: user})
	return f.textResponse, f.err
}
