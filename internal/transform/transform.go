// Package transform implements bidirectional Anthropic<->OpenAI request and
// response translation, generalized from the teacher's per-provider ad hoc
// converters into a single direction-parametrized transformer.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jeffersonwarrior/aimux/internal/format"
)

// ErrUnsupportedTransform is returned for any format pair other than
// Anthropic<->OpenAI.
type ErrUnsupportedTransform struct {
	Src, Dst format.Format
}

func (e *ErrUnsupportedTransform) Error() string {
	return fmt.Sprintf("unsupported transform: %s -> %s", e.Src, e.Dst)
}

// ModelMapping is one configured {anthropic_name, openai_name} pair.
type ModelMapping struct {
	AnthropicName string
	OpenAIName    string
}

// Transformer holds the configured model-name table and performs
// direction-aware translation. The zero value is usable (empty model map,
// pass-through model names).
type Transformer struct {
	models []ModelMapping
	// PreserveUnknownFields is not read by the transform methods:
	// TransformRequest always copies request fields it does not handle
	// through verbatim, and TransformResponse builds a fresh body that
	// carries no unknown fields, whatever its value.
	PreserveUnknownFields bool
}

// New builds a Transformer from a configured model map.
func New(models []ModelMapping) *Transformer {
	return &Transformer{models: models}
}

func (t *Transformer) mapModel(name string, toOpenAI bool) (string, bool) {
	for _, m := range t.models {
		if toOpenAI && m.AnthropicName == name {
			return m.OpenAIName, true
		}
		if !toOpenAI && m.OpenAIName == name {
			return m.AnthropicName, true
		}
	}
	return name, false
}

// anthropicOnlyRequestFields lists the Anthropic request fields with no
// direct OpenAI counterpart. anthropicRequestToOpenAI hoists system into the
// messages and drops top_k with a warning; metadata is copied through
// unchanged. Nothing reads this list.
var anthropicOnlyRequestFields = []string{"system", "top_k", "metadata"}

// TransformRequest converts a request body between src and dst formats,
// returning the transformed body and any non-fatal warnings (dropped
// fields, unmapped model names).
func (t *Transformer) TransformRequest(body []byte, src, dst format.Format) ([]byte, []string, error) {
	if src == dst {
		return body, nil, nil
	}
	if !supportedPair(src, dst) {
		return nil, nil, &ErrUnsupportedTransform{Src: src, Dst: dst}
	}

	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, fmt.Errorf("transform: unmarshal request: %w", err)
	}
	if _, ok := req["messages"]; !ok {
		return nil, nil, fmt.Errorf("transform: request missing messages field")
	}

	var warnings []string

	if src == format.Anthropic && dst == format.OpenAI {
		warnings = t.anthropicRequestToOpenAI(req)
	} else {
		warnings = t.openAIRequestToAnthropic(req)
	}

	out, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("transform: marshal request: %w", err)
	}
	return out, warnings, nil
}

func (t *Transformer) anthropicRequestToOpenAI(req map[string]any) []string {
	var warnings []string

	if model, ok := req["model"].(string); ok {
		if mapped, found := t.mapModel(model, true); found {
			req["model"] = mapped
		} else {
			warnings = append(warnings, fmt.Sprintf("no model mapping for %q, passed through", model))
		}
	}

	if system, ok := req["system"]; ok {
		if messages, ok := req["messages"].([]any); ok {
			systemMsg := map[string]any{"role": "system", "content": system}
			req["messages"] = append([]any{systemMsg}, messages...)
		}
		delete(req, "system")
	}

	if _, ok := req["top_k"]; ok {
		warnings = append(warnings, "top_k has no OpenAI equivalent, dropped")
		delete(req, "top_k")
	}

	return warnings
}

func (t *Transformer) openAIRequestToAnthropic(req map[string]any) []string {
	var warnings []string

	if model, ok := req["model"].(string); ok {
		if mapped, found := t.mapModel(model, false); found {
			req["model"] = mapped
		} else {
			warnings = append(warnings, fmt.Sprintf("no model mapping for %q, passed through", model))
		}
	}

	if messages, ok := req["messages"].([]any); ok {
		var rest []any
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				rest = append(rest, m)
				continue
			}
			if role, _ := msg["role"].(string); role == "system" {
				req["system"] = msg["content"]
				continue
			}
			rest = append(rest, m)
		}
		req["messages"] = rest
	}

	for _, field := range []string{"frequency_penalty", "presence_penalty"} {
		if _, ok := req[field]; ok {
			warnings = append(warnings, field+" has no Anthropic equivalent, dropped")
			delete(req, field)
		}
	}

	return warnings
}

// TransformResponse converts a response body from providerFormat to
// clientOriginalFormat.
func (t *Transformer) TransformResponse(body []byte, clientOriginalFormat, providerFormat format.Format) ([]byte, []string, error) {
	if clientOriginalFormat == providerFormat {
		return body, nil, nil
	}
	if !supportedPair(providerFormat, clientOriginalFormat) {
		return nil, nil, &ErrUnsupportedTransform{Src: providerFormat, Dst: clientOriginalFormat}
	}

	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("transform: unmarshal response: %w", err)
	}

	if _, hasError := resp["error"]; hasError {
		out, err := json.Marshal(resp)
		return out, nil, err
	}

	if providerFormat == format.Anthropic && clientOriginalFormat == format.OpenAI {
		out, err := anthropicResponseToOpenAI(resp)
		return out, nil, err
	}

	out, warnings, err := openAIResponseToAnthropic(resp)
	return out, warnings, err
}

func anthropicResponseToOpenAI(resp map[string]any) ([]byte, error) {
	text := firstTextBlock(resp["content"])
	toolCalls := toolUseBlocksToOpenAI(resp["content"])

	finishReason := "stop"
	if sr, ok := resp["stop_reason"].(string); ok && sr != "" {
		finishReason = sr
	}

	message := map[string]any{
		"role":    "assistant",
		"content": text,
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	choice := map[string]any{
		"index":         0,
		"message":       message,
		"finish_reason": finishReason,
	}

	out := map[string]any{
		"id":      resp["id"],
		"object":  "chat.completion",
		"model":   resp["model"],
		"choices": []any{choice},
	}
	if created, ok := resp["created"]; ok {
		out["created"] = created
	} else {
		out["created"] = time.Now().Unix()
	}

	if usage, ok := resp["usage"].(map[string]any); ok {
		promptTokens, _ := usage["input_tokens"]
		completionTokens, _ := usage["output_tokens"]
		total := 0.0
		if p, ok := toFloat(promptTokens); ok {
			total += p
		}
		if c, ok := toFloat(completionTokens); ok {
			total += c
		}
		out["usage"] = map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      total,
		}
	}

	return json.Marshal(out)
}

func openAIResponseToAnthropic(resp map[string]any) ([]byte, []string, error) {
	choices, _ := resp["choices"].([]any)
	if len(choices) == 0 {
		return nil, nil, fmt.Errorf("transform: no choices in response")
	}
	choice, _ := choices[0].(map[string]any)

	message, _ := choice["message"].(map[string]any)
	if message == nil {
		message, _ = choice["delta"].(map[string]any)
	}

	var warnings []string
	content := []any{}
	if message != nil {
		if text, ok := message["content"].(string); ok && text != "" {
			content = append(content, map[string]any{"type": "text", "text": text})
		}
		content = append(content, toolCallsToAnthropic(message["tool_calls"])...)
	}

	stopReason := "end_turn"
	if fr, ok := choice["finish_reason"].(string); ok {
		switch fr {
		case "stop":
			stopReason = "end_turn"
		case "length":
			stopReason = "max_tokens"
		case "":
		default:
			stopReason = fr
		}
	}

	out := map[string]any{
		"id":          resp["id"],
		"type":        "message",
		"role":        "assistant",
		"model":       resp["model"],
		"content":     content,
		"stop_reason": stopReason,
	}

	if usage, ok := resp["usage"].(map[string]any); ok {
		anthropicUsage := map[string]any{}
		if v, ok := usage["prompt_tokens"]; ok {
			anthropicUsage["input_tokens"] = v
		}
		if v, ok := usage["completion_tokens"]; ok {
			anthropicUsage["output_tokens"] = v
		}
		out["usage"] = anthropicUsage
	}

	marshaled, err := json.Marshal(out)
	return marshaled, warnings, err
}

// toolUseBlocksToOpenAI converts Anthropic content's tool_use blocks into
// OpenAI's message.tool_calls shape, remapping each block's toolu_* id to a
// call_* id via ToolCallIDToOpenAI.
func toolUseBlocksToOpenAI(content any) []any {
	blocks, ok := content.([]any)
	if !ok {
		return nil
	}
	var calls []any
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t != "tool_use" {
			continue
		}
		id, _ := block["id"].(string)
		name, _ := block["name"].(string)
		args, err := json.Marshal(block["input"])
		if err != nil {
			args = []byte("{}")
		}
		calls = append(calls, map[string]any{
			"id":   ToolCallIDToOpenAI(id),
			"type": "function",
			"function": map[string]any{
				"name":      name,
				"arguments": string(args),
			},
		})
	}
	return calls
}

// toolCallsToAnthropic converts OpenAI's message.tool_calls into Anthropic
// tool_use content blocks, remapping each call's call_* id to a toolu_* id
// via ToolCallIDToAnthropic.
func toolCallsToAnthropic(toolCalls any) []any {
	calls, ok := toolCalls.([]any)
	if !ok {
		return nil
	}
	var blocks []any
	for _, c := range calls {
		call, ok := c.(map[string]any)
		if !ok {
			continue
		}
		id, _ := call["id"].(string)
		fn, _ := call["function"].(map[string]any)
		name, _ := fn["name"].(string)
		var input map[string]any
		if argsStr, ok := fn["arguments"].(string); ok && argsStr != "" {
			_ = json.Unmarshal([]byte(argsStr), &input)
		}
		if input == nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    ToolCallIDToAnthropic(id),
			"name":  name,
			"input": input,
		})
	}
	return blocks
}

func firstTextBlock(content any) string {
	blocks, ok := content.([]any)
	if !ok {
		return ""
	}
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t == "text" {
			text, _ := block["text"].(string)
			return text
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func supportedPair(a, b format.Format) bool {
	pair := map[format.Format]bool{format.Anthropic: true, format.OpenAI: true}
	return pair[a] && pair[b]
}

// ToolCallIDToOpenAI converts an Anthropic toolu_* id to an OpenAI call_* id,
// guarding against the double-prefix edge case (an id already starting with
// call_ is passed through untouched rather than becoming call_call_...).
func ToolCallIDToOpenAI(id string) string {
	if strings.HasPrefix(id, "call_") {
		return id
	}
	return strings.Replace(id, "toolu_", "call_", 1)
}

// ToolCallIDToAnthropic is the inverse of ToolCallIDToOpenAI.
func ToolCallIDToAnthropic(id string) string {
	if strings.HasPrefix(id, "toolu_") {
		return id
	}
	return strings.Replace(id, "call_", "toolu_", 1)
}
