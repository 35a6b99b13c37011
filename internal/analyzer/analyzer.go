// Package analyzer derives a RequestDescriptor from an inbound chat
// request: type classification, required capabilities, token estimate and
// latency/cost sensitivity, used by routing to pick a capable provider.
package analyzer

import (
	"encoding/json"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jeffersonwarrior/aimux/internal/config"
)

// Type is the classification assigned to a request; precedence is
// multimodal > thinking > tools > streaming > long-context > standard.
type Type string

const (
	TypeStandard    Type = "standard"
	TypeThinking    Type = "thinking"
	TypeMultimodal  Type = "multimodal"
	TypeTools       Type = "tools"
	TypeStreaming   Type = "streaming"
	TypeLongContext Type = "long_context"
)

const longContextThreshold = 10000

var thinkingPhrases = []string{
	"step by step",
	"explain your reasoning",
	"show your work",
	"think through",
	"think carefully",
}

// toolIntentPhrases catches a request that clearly wants tool use even
// though it carries no tools/tool_calls field of its own, per SPEC_FULL.md
// §4.3's "content string contains tool-intent keywords" clause.
var toolIntentPhrases = []string{
	"call the function",
	"use the tool",
	"invoke the api",
	"search the web",
	"look up the",
	"check the weather",
	"run a query",
}

// Descriptor summarizes an inbound request for routing purposes.
type Descriptor struct {
	Type                 Type
	RequiredCapabilities []config.Capability
	TokenEstimate        int
	Streaming            bool
	CostSensitivity      float64
	LatencySensitivity   float64
	ExpectedResponseMS   int
}

// defaultDescriptor is returned whenever analysis can't make sense of the
// body — dispatch must never block on a malformed request.
func defaultDescriptor() Descriptor {
	return Descriptor{Type: TypeStandard, TokenEstimate: 1000, CostSensitivity: 0.5, LatencySensitivity: 0.5, ExpectedResponseMS: 1000}
}

// Analyzer holds a tiktoken encoder, loaded once by New and reused across
// calls.
type Analyzer struct {
	enc *tiktoken.Tiktoken
}

// New builds an Analyzer, attempting to load the cl100k_base encoding; a
// failure here is not fatal, Analyze falls back to the length/4 heuristic.
func New() *Analyzer {
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Analyzer{enc: enc}
}

// Analyze derives a Descriptor from a raw JSON request body. It never
// returns an error: malformed bodies yield defaultDescriptor().
func (a *Analyzer) Analyze(body []byte) Descriptor {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return defaultDescriptor()
	}

	text, hasImage, hasToolCalls := scanMessages(req)

	streaming, _ := req["stream"].(bool)

	jsonMode := false
	if rf, ok := req["response_format"].(map[string]any); ok {
		if t, _ := rf["type"].(string); t == "json" || t == "json_object" {
			jsonMode = true
		}
	}

	lower := strings.ToLower(text)

	hasTools := hasToolCalls
	if tools, ok := req["tools"].([]any); ok && len(tools) > 0 {
		hasTools = true
	}
	if fns, ok := req["functions"].([]any); ok && len(fns) > 0 {
		hasTools = true
	}
	if !hasTools && containsAny(lower, toolIntentPhrases) {
		hasTools = true
	}

	isThinking := false
	for _, phrase := range thinkingPhrases {
		if strings.Contains(lower, phrase) {
			isThinking = true
			break
		}
	}

	typ := classify(hasImage, isThinking, hasTools, streaming, len(text))

	descriptor := Descriptor{
		Type:               typ,
		Streaming:          streaming,
		TokenEstimate:      a.estimateTokens(text),
		ExpectedResponseMS: expectedResponseMS(typ),
	}
	descriptor.RequiredCapabilities = requiredCapabilities(typ, jsonMode, hasToolCalls)
	descriptor.CostSensitivity, descriptor.LatencySensitivity = sensitivities(typ)

	if descriptor.TokenEstimate < 1 {
		descriptor.TokenEstimate = 1
	}

	return descriptor
}

func classify(hasImage, isThinking, hasTools, streaming bool, textLen int) Type {
	switch {
	case hasImage:
		return TypeMultimodal
	case isThinking:
		return TypeThinking
	case hasTools:
		return TypeTools
	case streaming:
		return TypeStreaming
	case textLen > longContextThreshold:
		return TypeLongContext
	default:
		return TypeStandard
	}
}

func requiredCapabilities(typ Type, jsonMode, hasToolCalls bool) []config.Capability {
	var caps []config.Capability
	switch typ {
	case TypeThinking:
		caps = append(caps, config.CapabilityThinking)
	case TypeMultimodal:
		caps = append(caps, config.CapabilityVision)
	case TypeTools:
		caps = append(caps, config.CapabilityTools)
	case TypeStreaming:
		caps = append(caps, config.CapabilityStreaming)
	}
	if jsonMode {
		caps = append(caps, config.CapabilityJSONMode)
	}
	if hasToolCalls {
		caps = append(caps, config.CapabilityFunctionCalling)
	}
	return caps
}

func expectedResponseMS(typ Type) int {
	const base = 1000
	multiplier := 1.0
	switch typ {
	case TypeThinking:
		multiplier = 3.0
	case TypeMultimodal:
		multiplier = 2.0
	case TypeLongContext:
		multiplier = 2.5
	}
	return int(float64(base) * multiplier)
}

func sensitivities(typ Type) (cost, latency float64) {
	switch typ {
	case TypeThinking, TypeLongContext:
		return 0.3, 0.4
	case TypeStreaming:
		return 0.7, 0.8
	default:
		return 0.5, 0.5
	}
}

func scanMessages(req map[string]any) (text string, hasImage, hasToolCalls bool) {
	var sb strings.Builder
	if system, ok := req["system"].(string); ok {
		sb.WriteString(system)
		sb.WriteString(" ")
	}

	messages, _ := req["messages"].([]any)
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := msg["tool_calls"]; ok {
			hasToolCalls = true
		}
		if _, ok := msg["function_call"]; ok {
			hasToolCalls = true
		}
		switch content := msg["content"].(type) {
		case string:
			sb.WriteString(content)
			sb.WriteString(" ")
		case []any:
			for _, c := range content {
				block, ok := c.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := block["type"].(string); t == "image" {
					hasImage = true
				}
				if _, ok := block["image_url"]; ok {
					hasImage = true
				}
				if text, ok := block["text"].(string); ok {
					sb.WriteString(text)
					sb.WriteString(" ")
				}
			}
		}
	}
	return sb.String(), hasImage, hasToolCalls
}

func (a *Analyzer) estimateTokens(text string) int {
	if a.enc != nil {
		if tokens := a.enc.Encode(text, nil, nil); tokens != nil {
			if n := len(tokens); n > 0 {
				return max(100, n)
			}
		}
	}
	return max(100, len(text)/4)
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
