package providers

import (
	"context"
	"fmt"

	"github.com/yysun/agent-world/pkg/logger"
)

// FallbackProvider wraps a primary config and a fallback config. If the
// primary stream fails before producing any chunk, the fallback is tried
// transparently. A stream that errors mid-flight is not retried: the caller
// may already have surfaced partial content.
type FallbackProvider struct {
	Primary  Config
	Fallback Config
}

func (p *FallbackProvider) StreamChat(ctx context.Context, _ Config, messages []Message, tools []ToolDefinition) (<-chan Chunk, error) {
	primary, err := ForConfig(p.Primary)
	if err != nil {
		return nil, err
	}
	stream, err := primary.StreamChat(ctx, p.Primary, messages, tools)
	if err == nil {
		out := make(chan Chunk)
		go p.relay(ctx, stream, out, messages, tools)
		return out, nil
	}

	logger.WarnCF("providers", "primary provider failed, falling back", map[string]interface{}{
		"primary":  p.Primary.Provider,
		"fallback": p.Fallback.Provider,
		"error":    err.Error(),
	})
	return p.startFallback(ctx, messages, tools, err)
}

// relay copies the primary stream to out; if the very first chunk is an
// error, it switches to the fallback instead.
func (p *FallbackProvider) relay(ctx context.Context, stream <-chan Chunk, out chan Chunk, messages []Message, tools []ToolDefinition) {
	defer close(out)
	first := true
	for chunk := range stream {
		if first && chunk.Kind == ChunkError {
			logger.WarnCF("providers", "primary provider failed, falling back", map[string]interface{}{
				"primary":  p.Primary.Provider,
				"fallback": p.Fallback.Provider,
				"error":    chunk.Err.Error(),
			})
			fb, err := p.startFallback(ctx, messages, tools, chunk.Err)
			if err != nil {
				emit(ctx, out, Chunk{Kind: ChunkError, Err: err})
				return
			}
			for c := range fb {
				if !emit(ctx, out, c) {
					return
				}
			}
			return
		}
		first = false
		if !emit(ctx, out, chunk) {
			return
		}
	}
}

func (p *FallbackProvider) startFallback(ctx context.Context, messages []Message, tools []ToolDefinition, primaryErr error) (<-chan Chunk, error) {
	fallback, err := ForConfig(p.Fallback)
	if err != nil {
		return nil, fmt.Errorf("primary failed: %v; fallback config invalid: %w", primaryErr, err)
	}
	stream, err := fallback.StreamChat(ctx, p.Fallback, messages, tools)
	if err != nil {
		return nil, fmt.Errorf("primary failed: %v; fallback also failed: %w", primaryErr, err)
	}
	return stream, nil
}
