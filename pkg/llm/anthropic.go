package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a client. An empty apiKey falls back to the
// SDK's ANTHROPIC_API_KEY environment lookup.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// Chat implements Client.Chat.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*Response, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, convertToolDefinition(tool))
		}
		params.Tools = tools
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}
	return convertResponse(resp), nil
}

// Available implements Client.Available with a minimal probe call.
func (c *AnthropicClient) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.client.Messages.New(probeCtx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	return err == nil
}

func convertMessage(msg Message) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults)+len(msg.ToolCalls)+len(msg.Images)+1)

	for _, result := range msg.ToolResults {
		blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolCallID, result.Content, result.IsError))
	}

	for _, img := range msg.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.DataBase64))
	}

	if msg.Content != "" && len(msg.ToolResults) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}

	for _, call := range msg.ToolCalls {
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Input, call.Name))
	}

	if msg.Role == RoleAssistant {
		return anthropic.NewAssistantMessage(blocks...)
	}
	return anthropic.NewUserMessage(blocks...)
}

func convertToolDefinition(tool ToolDefinition) anthropic.ToolUnionParam {
	properties := tool.InputSchema["properties"]
	required, _ := tool.InputSchema["required"].([]string)

	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		},
	}
}

func convertResponse(resp *anthropic.Message) *Response {
	out := &Response{
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}

	var textParts []string
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	out.Content = strings.Join(textParts, "")

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		out.StopReason = StopReasonToolUse
	case anthropic.StopReasonMaxTokens:
		out.StopReason = StopReasonMaxTokens
	default:
		out.StopReason = StopReasonEndTurn
	}
	return out
}
