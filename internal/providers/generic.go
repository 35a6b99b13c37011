package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GenericOpenAIProvider implements Provider for any OpenAI-wire-compatible
// backend (OpenAI itself, OpenRouter, Nvidia NIM and similar), config-driven
// rather than one hardcoded struct per vendor. The teacher's
// OpenAIProvider/NvidiaProvider/OpenRouterProvider each reimplemented this
// same conversion against a different default endpoint; a registered
// provider's wire format is now a config field, so one implementation
// covers all of them.
type GenericOpenAIProvider struct {
	name     string
	endpoint string
	apiKey   string
}

// NewGenericOpenAIProvider builds a Provider for a named, OpenAI-compatible
// backend reachable at endpoint.
func NewGenericOpenAIProvider(name, endpoint string) *GenericOpenAIProvider {
	return &GenericOpenAIProvider{name: name, endpoint: endpoint}
}

func (p *GenericOpenAIProvider) Name() string          { return p.name }
func (p *GenericOpenAIProvider) SupportsStreaming() bool { return true }
func (p *GenericOpenAIProvider) GetEndpoint() string    { return p.endpoint }
func (p *GenericOpenAIProvider) SetAPIKey(key string)   { p.apiKey = key }

func (p *GenericOpenAIProvider) IsStreaming(headers map[string][]string) bool {
	if contentType, ok := headers["Content-Type"]; ok {
		for _, ct := range contentType {
			if IsStreamingContentType(ct) {
				return true
			}
		}
	}
	if transferEncoding, ok := headers["Transfer-Encoding"]; ok {
		for _, te := range transferEncoding {
			if te == "chunked" {
				return true
			}
		}
	}
	return false
}

func (p *GenericOpenAIProvider) Transform(request []byte) ([]byte, error) {
	return p.convertOpenAIToAnthropic(request)
}

func (p *GenericOpenAIProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	return ConvertOpenAIStyleToAnthropicStream(chunk, state, p, p.name)
}

// Finalize satisfies streaming.Formatter; OpenAI-style streams close
// themselves via a finish_reason chunk, so there is no separate terminal
// envelope to emit.
func (p *GenericOpenAIProvider) Finalize(state *StreamState) ([]byte, error) {
	return nil, nil
}

type genericOpenAIResponse struct {
	ID      string              `json:"id"`
	Model   string              `json:"model"`
	Choices []genericOpenAIChoice `json:"choices"`
	Usage   *genericOpenAIUsage `json:"usage,omitempty"`
	Error   *genericOpenAIError `json:"error,omitempty"`
}

type genericOpenAIChoice struct {
	Message      *genericOpenAIMessage `json:"message,omitempty"`
	Delta        *genericOpenAIMessage `json:"delta,omitempty"`
	FinishReason *string               `json:"finish_reason,omitempty"`
}

type genericOpenAIMessage struct {
	Role         string                  `json:"role"`
	Content      *string                 `json:"content,omitempty"`
	ToolCalls    []genericOpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallId   *string                 `json:"tool_call_id,omitempty"`
	FunctionCall *genericOpenAIFunction  `json:"function_call,omitempty"`
}

type genericOpenAIToolCall struct {
	ID       string                `json:"id"`
	Function genericOpenAIFunction `json:"function"`
}

type genericOpenAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type genericOpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type genericOpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type genericAnthropicResponse struct {
	ID         string                     `json:"id"`
	Type       string                     `json:"type"`
	Role       string                     `json:"role,omitempty"`
	Content    []genericAnthropicContent  `json:"content,omitempty"`
	Model      string                     `json:"model"`
	StopReason *string                    `json:"stop_reason,omitempty"`
	Usage      *genericAnthropicUsage     `json:"usage,omitempty"`
	Error      *genericAnthropicError     `json:"error,omitempty"`
}

type genericAnthropicContent struct {
	Type      string                 `json:"type"`
	Text      *string                `json:"text,omitempty"`
	ID        *string                `json:"id,omitempty"`
	Name      *string                `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseId *string                `json:"tool_use_id,omitempty"`
	Content   interface{}            `json:"content,omitempty"`
}

type genericAnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type genericAnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *GenericOpenAIProvider) convertOpenAIToAnthropic(data []byte) ([]byte, error) {
	var resp genericOpenAIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", p.name, err)
	}

	if resp.Error != nil {
		out := genericAnthropicResponse{
			ID:    resp.ID,
			Type:  "error",
			Model: resp.Model,
			Error: &genericAnthropicError{Type: "api_error", Message: resp.Error.Message},
		}
		return json.Marshal(out)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in %s response", p.name)
	}

	choice := resp.Choices[0]
	message := choice.Message
	if message == nil {
		message = choice.Delta
	}
	if message == nil {
		return nil, fmt.Errorf("no message content in %s choice", p.name)
	}

	content, err := p.convertMessageContent(message)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s message content: %w", p.name, err)
	}

	out := genericAnthropicResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   resp.Model,
		Content: content,
	}
	if choice.FinishReason != nil {
		out.StopReason = p.convertStopReason(*choice.FinishReason)
	}
	if resp.Usage != nil {
		out.Usage = &genericAnthropicUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}

	return json.Marshal(out)
}

func (p *GenericOpenAIProvider) convertMessageContent(message *genericOpenAIMessage) ([]genericAnthropicContent, error) {
	var content []genericAnthropicContent

	if message.Content != nil && *message.Content != "" {
		content = append(content, genericAnthropicContent{Type: "text", Text: message.Content})
	}

	for _, toolCall := range message.ToolCalls {
		var input map[string]interface{}
		if toolCall.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool call arguments: %w", err)
			}
		}
		id := p.convertToolCallID(toolCall.ID)
		content = append(content, genericAnthropicContent{Type: "tool_use", ID: &id, Name: &toolCall.Function.Name, Input: input})
	}

	if message.Role == "tool" && message.ToolCallId != nil {
		var toolContent interface{}
		if message.Content != nil {
			var jsonContent interface{}
			if err := json.Unmarshal([]byte(*message.Content), &jsonContent); err == nil {
				toolContent = jsonContent
			} else {
				toolContent = *message.Content
			}
		}
		id := p.convertToolCallID(*message.ToolCallId)
		content = append(content, genericAnthropicContent{Type: "tool_result", ToolUseId: &id, Content: toolContent})
	}

	if len(content) == 0 {
		empty := ""
		content = append(content, genericAnthropicContent{Type: "text", Text: &empty})
	}

	return content, nil
}

func (p *GenericOpenAIProvider) convertStopReason(reason string) *string {
	mapping := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"function_call":  "tool_use",
		"content_filter": "stop_sequence",
		"null":           "end_turn",
	}
	if mapped, ok := mapping[reason]; ok {
		return &mapped
	}
	fallback := "end_turn"
	return &fallback
}

func (p *GenericOpenAIProvider) convertToolCallID(id string) string {
	if strings.HasPrefix(id, "toolu_") {
		return id
	}
	if strings.HasPrefix(id, "call_") {
		return "toolu_" + strings.TrimPrefix(id, "call_")
	}
	return "toolu_" + id
}

func (p *GenericOpenAIProvider) formatSSEEvent(eventType string, data map[string]any) []byte {
	return FormatSSEEvent(eventType, data)
}

func (p *GenericOpenAIProvider) createMessageStartEvent(messageID, model string, firstChunk map[string]any) map[string]any {
	usage := map[string]any{"input_tokens": 0, "output_tokens": 1}
	if chunkUsage, ok := firstChunk["usage"].(map[string]any); ok {
		if promptTokens, ok := chunkUsage["prompt_tokens"]; ok {
			usage["input_tokens"] = promptTokens
		}
	}
	return CreateMessageStartEvent(messageID, model, usage)
}

func (p *GenericOpenAIProvider) handleTextContent(content string, state *StreamState) []byte {
	var events []byte
	textIndex := p.getOrCreateTextBlock(state)
	block := state.ContentBlocks[textIndex]

	if !block.StartSent {
		events = append(events, p.formatSSEEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": textIndex,
			"content_block": map[string]any{"type": "text", "text": ""},
		})...)
		block.StartSent = true
	}

	events = append(events, p.formatSSEEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": textIndex,
		"delta": map[string]any{"type": "text_delta", "text": content},
	})...)

	return events
}

func (p *GenericOpenAIProvider) getOrCreateTextBlock(state *StreamState) int {
	const textIndex = 0
	if _, ok := state.ContentBlocks[textIndex]; !ok {
		state.ContentBlocks[textIndex] = &ContentBlockState{Type: "text"}
	}
	return textIndex
}

func (p *GenericOpenAIProvider) handleToolCalls(toolCalls []any, state *StreamState) []byte {
	var events []byte
	for _, tc := range toolCalls {
		if tcMap, ok := tc.(map[string]any); ok {
			events = append(events, p.handleSingleToolCall(tcMap, state)...)
		}
	}
	return events
}

func (p *GenericOpenAIProvider) handleSingleToolCall(toolCall map[string]any, state *StreamState) []byte {
	var events []byte

	index, hasIndex := 0, false
	if idx, ok := toolCall["index"].(float64); ok {
		index, hasIndex = int(idx), true
	}
	id, _ := toolCall["id"].(string)
	var name, args string
	if fn, ok := toolCall["function"].(map[string]any); ok {
		name, _ = fn["name"].(string)
		args, _ = fn["arguments"].(string)
	}

	blockIndex := -1
	for i, block := range state.ContentBlocks {
		if block.Type != "tool_use" {
			continue
		}
		if hasIndex && block.ToolCallIndex == index {
			blockIndex = i
			break
		}
		if id != "" && block.ToolCallID == id {
			blockIndex = i
			break
		}
	}
	if blockIndex == -1 && id != "" {
		blockIndex = len(state.ContentBlocks)
		state.ContentBlocks[blockIndex] = &ContentBlockState{Type: "tool_use", ToolCallID: id, ToolCallIndex: index, ToolName: name}
	}
	if blockIndex == -1 {
		return events
	}

	block := state.ContentBlocks[blockIndex]
	if name != "" {
		block.ToolName = name
	}

	if !block.StartSent && block.ToolCallID != "" && block.ToolName != "" {
		claudeID := p.convertToolCallID(block.ToolCallID)
		events = append(events, p.formatSSEEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": blockIndex,
			"content_block": map[string]any{"type": "tool_use", "id": claudeID, "name": block.ToolName, "input": map[string]any{}},
		})...)
		block.StartSent = true
	}

	if args != "" && args != block.Arguments {
		var newPart string
		if len(args) > len(block.Arguments) && strings.HasPrefix(args, block.Arguments) {
			newPart = args[len(block.Arguments):]
		} else {
			newPart = args
		}
		block.Arguments = args
		if newPart != "" {
			events = append(events, p.formatSSEEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": newPart},
			})...)
		}
	}

	return events
}

func (p *GenericOpenAIProvider) handleFinishReason(reason string, chunk map[string]any, state *StreamState) []byte {
	getUsage := func(c map[string]any) map[string]any {
		usage, ok := c["usage"].(map[string]any)
		if !ok {
			return nil
		}
		out := map[string]any{}
		if pt, ok := usage["prompt_tokens"]; ok {
			out["input_tokens"] = pt
		}
		if ct, ok := usage["completion_tokens"]; ok {
			out["output_tokens"] = ct
		}
		return out
	}
	return HandleFinishReason(p, reason, chunk, state, getUsage)
}
