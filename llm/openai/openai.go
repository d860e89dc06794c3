// Package openai adapts the OpenAI chat and embeddings APIs to the core
// capability interfaces. Any OpenAI-compatible endpoint works through the
// base URL override.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
)

// Config holds client configuration.
type Config struct {
	APIKey  string
	BaseURL string
}

// Client implements core.Completer and core.Embedder against an
// OpenAI-compatible API.
type Client struct {
	client *openai.Client
	logger *logging.Logger
}

// NewClient creates a client. BaseURL is optional.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}
}

// NewClientFromEnv creates a client from OPENAI_API_KEY and the optional
// OPENAI_BASE_URL.
func NewClientFromEnv(logger *logging.Logger) (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}
	return NewClient(Config{APIKey: apiKey, BaseURL: os.Getenv("OPENAI_BASE_URL")}, logger), nil
}

// Complete implements core.Completer. When req.Stream is set, deltas are
// pushed as they arrive and the aggregate response is still returned.
func (c *Client) Complete(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildMessages(req),
	}

	for _, tool := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if req.JSONMode {
		if len(req.JSONSchema) > 0 {
			request.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   "response",
					Schema: req.JSONSchema,
					Strict: req.JSONStrict,
				},
			}
		} else {
			request.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	if req.Stream != nil {
		return c.completeStreaming(ctx, request, req.Stream)
	}

	response, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := response.Choices[0]
	resp := &core.CompletionResponse{
		Content: choice.Message.Content,
		Usage: core.Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

func (c *Client) completeStreaming(ctx context.Context, request openai.ChatCompletionRequest, stream *core.Stream) (*core.CompletionResponse, error) {
	defer stream.Close()

	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	apiStream, err := c.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai streaming completion failed: %w", err)
	}
	defer apiStream.Close()

	var content string
	var usage core.Usage
	toolCalls := map[int]*core.ToolCall{}
	maxIndex := -1

	for {
		chunk, err := apiStream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream receive failed: %w", err)
		}

		if chunk.Usage != nil {
			usage = core.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content += delta.Content
			stream.Push(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := toolCalls[index]
			if !ok {
				call = &core.ToolCall{}
				toolCalls[index] = call
				if index > maxIndex {
					maxIndex = index
				}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	resp := &core.CompletionResponse{Content: content, Usage: usage}
	for i := 0; i <= maxIndex; i++ {
		if call, ok := toolCalls[i]; ok {
			resp.ToolCalls = append(resp.ToolCalls, *call)
		}
	}
	return resp, nil
}

// Embed implements core.Embedder.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	request := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	}

	response, err := c.client.CreateEmbeddings(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings failed: %w", err)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(response.Data), len(texts))
	}

	vectors := make([][]float32, len(response.Data))
	for i, data := range response.Data {
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

// buildMessages converts the canonical request into the OpenAI message
// array: system prompt, prior context, then the user message with any
// image parts. An empty user message is omitted so a tool result can stay
// the most recent turn.
func buildMessages(req core.CompletionRequest) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage

	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, msg := range req.Context {
		messages = append(messages, convertMessage(msg))
	}

	if req.UserMessage != "" || len(req.Images) > 0 {
		messages = append(messages, userMessage(req.UserMessage, req.Images))
	}
	return messages
}

func convertMessage(msg core.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	switch msg.Role {
	case core.RoleTool:
		out.ToolCallID = msg.ToolID
		out.Name = msg.ToolName
	case core.RoleAssistant:
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
	case core.RoleUser:
		if len(msg.Images) > 0 {
			return userMessage(msg.Content, msg.Images)
		}
	}
	return out
}

func userMessage(content string, images []string) openai.ChatCompletionMessage {
	if len(images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: content,
		}
	}

	parts := []openai.ChatMessagePart{}
	if content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: content,
		})
	}
	for _, url := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}
