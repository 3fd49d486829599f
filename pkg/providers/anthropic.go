package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider streams chat completions from the Anthropic Messages API.
type AnthropicProvider struct{}

func (p *AnthropicProvider) StreamChat(ctx context.Context, cfg Config, messages []Message, tools []ToolDefinition) (<-chan Chunk, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	params, err := buildAnthropicParams(cfg, messages, tools)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		stream := client.Messages.NewStreaming(ctx, params)

		usage := &Usage{}
		// Tool input JSON arrives as deltas keyed by content block index;
		// records surface only once their block closes.
		type pendingTool struct {
			id   string
			name string
			args strings.Builder
		}
		pending := make(map[int64]*pendingTool)

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					pending[event.Index] = &pendingTool{
						id:   event.ContentBlock.ID,
						name: event.ContentBlock.Name,
					}
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text != "" {
						if !emit(ctx, out, Chunk{Kind: ChunkContent, Delta: event.Delta.Text}) {
							return
						}
					}
				case "input_json_delta":
					if pt, ok := pending[event.Index]; ok {
						pt.args.WriteString(event.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if pt, ok := pending[event.Index]; ok {
					delete(pending, event.Index)
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
			case "message_delta":
				if event.Usage.OutputTokens > 0 {
					usage.CompletionTokens = int(event.Usage.OutputTokens)
				}
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			emit(ctx, out, Chunk{Kind: ChunkError, Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		if !emit(ctx, out, Chunk{Kind: ChunkUsage, Usage: usage}) {
			return
		}
		emit(ctx, out, Chunk{Kind: ChunkEnd})
	}()
	return out, nil
}

// emit sends a chunk unless the caller has gone away.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildAnthropicParams(cfg Config, messages []Message, tools []ToolDefinition) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var anthropicMessages []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			anthropicMessages = append(anthropicMessages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]interface{}{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
				}
				anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(blocks...))
			} else {
				anthropicMessages = append(anthropicMessages,
					anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "tool":
			anthropicMessages = append(anthropicMessages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		Messages:  anthropicMessages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = translateAnthropicTools(tools)
	}
	return params, nil
}

func translateAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		if req, ok := t.Parameters["required"].([]interface{}); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		} else if req, ok := t.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = req
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}
