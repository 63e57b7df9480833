package ai

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/budgetly/mailsync/pkg/llm"
)

// mockLLM is a testify mock for llm.Client.
type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) ChatCompletion(ctx context.Context, req llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.ChatCompletionResponse), args.Error(1)
}

// reply builds a single-choice completion response.
func reply(content string) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: content}}},
	}
}
