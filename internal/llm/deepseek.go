package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DeepSeekClient talks to the DeepSeek API, which is wire-compatible
// with the OpenAI chat completions endpoint.
type DeepSeekClient struct {
	client openai.Client
}

// NewDeepSeekClient creates a new DeepSeek client. baseURL defaults to
// the official endpoint.
func NewDeepSeekClient(apiKey, baseURL string) *DeepSeekClient {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	return &DeepSeekClient{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
		),
	}
}

// Chat sends a chat completion request to DeepSeek.
func (c *DeepSeekClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params, err := buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	msg := completion.Choices[0].Message
	resp := &ChatResponse{
		Model:        completion.Model,
		CreatedAt:    time.Unix(completion.Created, 0),
		Done:         true,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	resp.Message = Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		call, err := fromWireToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, call)
	}
	return resp, nil
}

// ChatStream sends a streaming chat request to DeepSeek. Tokens are
// delivered to callback as they arrive; tool calls are accumulated
// and surface on the final response.
func (c *DeepSeekClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params, err := buildParams(model, messages, tools)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("chat stream: empty choices")
	}

	msg := acc.Choices[0].Message
	resp := &ChatResponse{
		Model:        acc.Model,
		CreatedAt:    time.Unix(acc.Created, 0),
		Done:         true,
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
	}
	resp.Message = Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		call, err := fromWireToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, call)
	}
	return resp, nil
}

// Ping checks if DeepSeek is reachable.
func (c *DeepSeekClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// buildParams converts provider-neutral messages and tool specs into
// the OpenAI wire format.
func buildParams(model string, messages []Message, tools []map[string]any) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "user":
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		case "tool":
			params.Messages = append(params.Messages, openai.ToolMessage(m.Content, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					return params, fmt.Errorf("marshal tool arguments: %w", err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(args),
					},
				})
			}
			params.Messages = append(params.Messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return params, fmt.Errorf("unknown message role %q", m.Role)
		}
	}

	for _, spec := range tools {
		fn, ok := spec["function"].(map[string]any)
		if !ok {
			return params, fmt.Errorf("tool spec missing function block")
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		def := openai.FunctionDefinitionParam{Name: name}
		if desc != "" {
			def.Description = openai.String(desc)
		}
		if schema, ok := fn["parameters"].(map[string]any); ok {
			def.Parameters = openai.FunctionParameters(schema)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: def})
	}

	return params, nil
}

// fromWireToolCall converts an OpenAI tool call, whose arguments come
// back as a JSON string, into the provider-neutral form.
func fromWireToolCall(id, name, arguments string) (ToolCall, error) {
	args := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return ToolCall{}, fmt.Errorf("unmarshal tool arguments for %s: %w", name, err)
		}
	}
	return NewToolCall(id, name, args), nil
}
