package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider implements Provider against the OpenAI chat-completions
// API. Named in SPEC_FULL.md's domain stack as a second concrete model
// backend, reachable through gateway.domain_tag_routes alongside Anthropic.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider builds a ready-to-use OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(conf),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Send issues one chat-completion request and blocks for the full response.
func (p *OpenAIProvider) Send(ctx context.Context, req Request) (*Response, error) {
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

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.StructuredOutput != nil {
		var schema any
		if err := json.Unmarshal(req.StructuredOutput.Schema, &schema); err != nil {
			return nil, Wrap(p.Name(), model, 0, err)
		}
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "structured_output",
				Schema: schema,
				Strict: true,
			},
		}
	}
	if len(req.Tools) > 0 {
		tools, err := convertOpenAITools(req.Tools)
		if err != nil {
			return nil, Wrap(p.Name(), model, 0, err)
		}
		chatReq.Tools = tools
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.classify(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, Wrap(p.Name(), model, 0, errors.New("openai: empty choices in response"))
	}

	choice := resp.Choices[0]
	content, blocks := convertOpenAIContent(choice.Message)
	finish := FinishStop
	switch choice.FinishReason {
	case openai.FinishReasonLength:
		finish = FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		finish = FinishToolUse
	}

	return &Response{
		Content:       content,
		ContentBlocks: blocks,
		FinishReason:  finish,
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
		ModelID:       model,
		RequestID:     resp.ID,
		LatencyMS:     timed(start),
	}, nil
}

func convertOpenAITools(tools []Tool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if err := json.Unmarshal(t.Schema, &params); err != nil {
			return nil, err
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func convertOpenAIContent(msg openai.ChatCompletionMessage) (string, []ContentBlock) {
	if len(msg.ToolCalls) == 0 {
		return msg.Content, nil
	}
	blocks := make([]ContentBlock, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, ContentBlock{
			Type:     BlockToolUse,
			ToolID:   tc.ID,
			ToolName: tc.Function.Name,
			ToolArgs: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg.Content, blocks
}

func (p *OpenAIProvider) classify(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Wrap(p.Name(), model, apiErr.HTTPStatusCode, err)
	}
	return Wrap(p.Name(), model, 0, err)
}
