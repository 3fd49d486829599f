package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// Default base URLs for the OpenAI-compatible providers.
var compatBaseURLs = map[string]string{
	ProviderOllama:     "http://localhost:11434/v1",
	ProviderGoogle:     "https://generativelanguage.googleapis.com/v1beta/openai",
	ProviderXAI:        "https://api.x.ai/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

// OpenAIProvider streams chat completions from OpenAI and the
// OpenAI-compatible endpoints (Azure, Ollama, Google, XAI, OpenRouter).
type OpenAIProvider struct{}

func (p *OpenAIProvider) StreamChat(ctx context.Context, cfg Config, messages []Message, tools []ToolDefinition) (<-chan Chunk, error) {
	opts, err := openaiClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := openai.NewClient(opts...)

	params, err := buildOpenAIParams(cfg, messages, tools)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		stream := client.Chat.Completions.NewStreaming(ctx, params)

		// Tool-call fragments accumulate per delta index until the stream
		// finishes; only complete records are surfaced.
		type pendingTool struct {
			id   string
			name string
			args strings.Builder
		}
		pending := make(map[int64]*pendingTool)
		order := []int64{}
		var usage *Usage

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if !emit(ctx, out, Chunk{Kind: ChunkContent, Delta: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				pt, ok := pending[tc.Index]
				if !ok {
					pt = &pendingTool{}
					pending[tc.Index] = pt
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pt.id = tc.ID
				}
				if tc.Function.Name != "" {
					pt.name = tc.Function.Name
				}
				pt.args.WriteString(tc.Function.Arguments)
			}
		}

		if err := stream.Err(); err != nil {
			emit(ctx, out, Chunk{Kind: ChunkError, Err: fmt.Errorf("%s stream: %w", cfg.Provider, err)})
			return
		}

		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
		for _, idx := range order {
			pt := pending[idx]
			args := map[string]interface{}{}
			if raw := pt.args.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = map[string]interface{}{"raw": raw}
				}
			}
			call := &ToolCall{ID: pt.id, Name: pt.name, Arguments: args}
			if !emit(ctx, out, Chunk{Kind: ChunkToolCall, ToolCall: call}) {
				return
			}
		}

		if usage != nil {
			if !emit(ctx, out, Chunk{Kind: ChunkUsage, Usage: usage}) {
				return
			}
		}
		emit(ctx, out, Chunk{Kind: ChunkEnd})
	}()
	return out, nil
}

func openaiClientOptions(cfg Config) ([]option.RequestOption, error) {
	provider := strings.ToLower(cfg.Provider)

	if provider == ProviderAzure {
		if cfg.AzureEndpoint == "" || cfg.AzureDeployment == "" {
			return nil, fmt.Errorf("azure provider requires endpoint and deployment")
		}
		version := cfg.AzureAPIVersion
		if version == "" {
			version = "2024-10-21"
		}
		base := strings.TrimSuffix(cfg.AzureEndpoint, "/") + "/openai/deployments/" + cfg.AzureDeployment
		return []option.RequestOption{
			option.WithBaseURL(base),
			option.WithHeader("api-key", cfg.APIKey),
			option.WithQuery("api-version", version),
		}, nil
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	base := cfg.BaseURL
	if base == "" {
		base = compatBaseURLs[provider]
	}
	if base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return opts, nil
}

func buildOpenAIParams(cfg Config, messages []Message, tools []ToolDefinition) (openai.ChatCompletionNewParams, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "user":
			msgs = append(msgs, openai.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				assistant := openai.ChatCompletionAssistantMessageParam{}
				if m.Content != "" {
					assistant.Content.OfString = openai.String(m.Content)
				}
				for _, tc := range m.ToolCalls {
					argsJSON, err := json.Marshal(tc.Arguments)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("marshal tool arguments: %w", err)
					}
					assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: tc.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: string(argsJSON),
							},
						},
					})
				}
				msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			} else {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
			}
		case "tool":
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("unsupported role %q", m.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(cfg.Model),
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.MaxTokens))
	}
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}
	for _, t := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}))
	}
	return params, nil
}
