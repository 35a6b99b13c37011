package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IsStreamingContentType checks if the content type indicates streaming
func IsStreamingContentType(contentType string) bool {
	return contentType == "text/event-stream" || strings.Contains(contentType, "stream")
}

// FormatSSEEvent formats data as a Server-Sent Event
func FormatSSEEvent(eventType string, data any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		// Return a basic error event if marshalling fails
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)))
}

// CreateMessageStartEvent creates a standard Anthropic message_start event
func CreateMessageStartEvent(messageID, model string, usage map[string]any) map[string]any {
	if usage == nil {
		usage = map[string]any{
			"input_tokens":  0,
			"output_tokens": 1,
		}
	}

	return map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	}
}

// ProviderInterface defines methods needed for HandleFinishReason
type ProviderInterface interface {
	formatSSEEvent(eventType string, data map[string]any) []byte
	convertStopReason(reason string) *string
}

// HandleFinishReason processes finish reasons and sends appropriate events
func HandleFinishReason(p ProviderInterface, reason string, chunk map[string]any, state *StreamState, getUsage func(map[string]any) map[string]any) []byte {
	var events []byte

	// Send content_block_stop for all active content blocks
	for index, contentBlock := range state.ContentBlocks {
		if contentBlock.StartSent && !contentBlock.StopSent {
			contentStopEvent := map[string]any{
				"type":  "content_block_stop",
				"index": index,
			}
			events = append(events, p.formatSSEEvent("content_block_stop", contentStopEvent)...)
			contentBlock.StopSent = true
		}
	}

	// Send message_delta with stop reason
	messageDeltaEvent := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   p.convertStopReason(reason),
			"stop_sequence": nil,
		},
	}

	// Add usage if present - use the provided function to extract usage
	if getUsage != nil {
		usageData := getUsage(chunk)
		if len(usageData) > 0 {
			messageDeltaEvent["usage"] = usageData
		}
	}

	events = append(events, p.formatSSEEvent("message_delta", messageDeltaEvent)...)

	// Send message_stop
	messageStopEvent := map[string]any{
		"type": "message_stop",
	}
	events = append(events, p.formatSSEEvent("message_stop", messageStopEvent)...)

	return events
}

// StreamProviderInterface extends ProviderInterface for stream processing
type StreamProviderInterface interface {
	formatSSEEvent(eventType string, data map[string]any) []byte
	convertStopReason(reason string) *string
	createMessageStartEvent(messageID, model string, chunk map[string]any) map[string]any
	handleToolCalls(toolCalls []any, state *StreamState) []byte
	handleTextContent(content string, state *StreamState) []byte
	handleFinishReason(reason string, chunk map[string]any, state *StreamState) []byte
}

// ConvertOpenAIStyleToAnthropicStream handles OpenAI-style streaming responses (OpenAI/Nvidia/OpenRouter)
func ConvertOpenAIStyleToAnthropicStream(data []byte, state *StreamState, provider StreamProviderInterface, errorPrefix string) ([]byte, error) {
	var rawChunk map[string]any
	if err := json.Unmarshal(data, &rawChunk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s streaming response: %w", errorPrefix, err)
	}

	var events []byte

	// Store message ID and model from first chunk
	if id, ok := rawChunk["id"].(string); ok && state.MessageID == "" {
		state.MessageID = id
	}

	if model, ok := rawChunk["model"].(string); ok && state.Model == "" {
		state.Model = model
	}

	// Handle choices array
	if choices, ok := rawChunk["choices"].([]any); ok && len(choices) > 0 {
		if firstChoice, ok := choices[0].(map[string]any); ok {
			// Send message_start event if not sent yet
			if !state.MessageStartSent {
				messageStartEvent := provider.createMessageStartEvent(state.MessageID, state.Model, rawChunk)
				events = append(events, provider.formatSSEEvent("message_start", messageStartEvent)...)
				state.MessageStartSent = true
			}

			// Handle delta content
			if delta, ok := firstChoice["delta"].(map[string]any); ok {
				// Initialize content blocks map if needed
				if state.ContentBlocks == nil {
					state.ContentBlocks = make(map[int]*ContentBlockState)
				}

				// Check if we have tool calls - if so, prioritize them over text content
				if toolCalls, ok := delta["tool_calls"].([]any); ok {
					toolEvents := provider.handleToolCalls(toolCalls, state)
					events = append(events, toolEvents...)
				} else if content, ok := delta["content"].(string); ok && content != "" {
					// Only handle text content if no tool calls are present
					textEvents := provider.handleTextContent(content, state)
					events = append(events, textEvents...)
				}
			}

			// Handle finish_reason
			if finishReason, ok := firstChoice["finish_reason"]; ok && finishReason != nil {
				if reason, ok := finishReason.(string); ok {
					finishEvents := provider.handleFinishReason(reason, rawChunk, state)
					events = append(events, finishEvents...)
				}
			}
		}
	}

	return events, nil
}
