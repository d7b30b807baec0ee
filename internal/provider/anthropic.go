package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider implements Provider against Anthropic's Messages API.
// Adapted from the teacher's internal/agent/providers.AnthropicProvider:
// the streaming SSE consumption loop is collapsed into a single blocking
// call because the gateway's Provider contract (spec.md §4.3, §6) is
// synchronous request/response, not a token stream.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds a ready-to-use Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Send issues one completion request and blocks for the full response,
// following spec.md's provider contract send(model_id, prompt,
// max_tokens, temperature, timeout_ms, structured_output, tools) ->
// response. req.StructuredOutput is not passed to the Messages API, so
// the response text is not schema-constrained by this provider.
func (p *AnthropicProvider) Send(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	model := req.ModelID
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, p.classify(err, model)
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err, model)
	}

	content, blocks := convertContent(msg.Content)
	finish := FinishStop
	switch msg.StopReason {
	case "max_tokens":
		finish = FinishLength
	case "tool_use":
		finish = FinishToolUse
	}

	return &Response{
		Content:       content,
		ContentBlocks: blocks,
		FinishReason:  finish,
		InputTokens:   int(msg.Usage.InputTokens),
		OutputTokens:  int(msg.Usage.OutputTokens),
		ModelID:       model,
		RequestID:     msg.ID,
		LatencyMS:     timed(start),
	}, nil
}

func convertTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: missing tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

func convertContent(blocks []anthropic.ContentBlockUnion) (string, []ContentBlock) {
	var text strings.Builder
	var out []ContentBlock
	for _, b := range blocks {
		switch b.Type {
		case "text":
			tb := b.AsText()
			text.WriteString(tb.Text)
			out = append(out, ContentBlock{Type: BlockText, Text: tb.Text})
		case "tool_use":
			tu := b.AsToolUse()
			args, _ := json.Marshal(tu.Input)
			out = append(out, ContentBlock{
				Type:     BlockToolUse,
				ToolID:   tu.ID,
				ToolName: tu.Name,
				ToolArgs: args,
			})
		}
	}
	if len(out) == 0 {
		return text.String(), nil
	}
	return text.String(), out
}

func (p *AnthropicProvider) classify(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return Wrap(p.Name(), model, apiErr.StatusCode, err)
	}
	return Wrap(p.Name(), model, 0, err)
}
