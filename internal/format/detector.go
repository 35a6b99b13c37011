// Package format classifies an inbound request body as Anthropic- or
// OpenAI-shaped using weighted multi-signal voting, modeled on the ad hoc
// shape inspection the teacher proxy performed inline per-request, pulled
// out into a standalone, stateless classifier.
package format

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Format is the wire format a request or response body is shaped as.
type Format string

const (
	Anthropic Format = "anthropic"
	OpenAI    Format = "openai"
	Unknown   Format = "unknown"
)

const (
	weightEndpoint  = 0.4
	weightHeaders   = 0.3
	weightModelName = 0.15
	weightStructure = 0.1
	weightBodyField = 0.05
)

// Result is the outcome of a Detect call.
type Result struct {
	Format     Format
	Confidence float64
	Reasoning  []string
}

// Detect classifies a request by endpoint, headers and body using weighted
// voting across five signals. It never fails — an unrecognized body yields
// Unknown with its reasoning trail populated.
func Detect(endpoint string, headers http.Header, body []byte) Result {
	scores := map[Format]float64{Anthropic: 0, OpenAI: 0}
	var reasoning []string

	if f, ok := voteEndpoint(endpoint); ok {
		scores[f] += weightEndpoint
		reasoning = append(reasoning, "endpoint suggests "+string(f))
	}

	if f, ok := voteHeaders(headers); ok {
		scores[f] += weightHeaders
		reasoning = append(reasoning, "headers suggest "+string(f))
	} else if headers != nil && hasConflictingHeaders(headers) {
		reasoning = append(reasoning, "conflicting provider headers")
		return Result{Format: Unknown, Confidence: 0, Reasoning: reasoning}
	}

	var parsed map[string]any
	_ = json.Unmarshal(body, &parsed)

	if f, ok := voteModelName(parsed); ok {
		scores[f] += weightModelName
		reasoning = append(reasoning, "model name pattern suggests "+string(f))
	}

	if f, ok := voteStructure(parsed); ok {
		scores[f] += weightStructure
		reasoning = append(reasoning, "message structure suggests "+string(f))
	}

	if f, ok := voteBodyFields(parsed); ok {
		scores[f] += weightBodyField
		reasoning = append(reasoning, "body fields suggest "+string(f))
	}

	return argmax(scores, reasoning)
}

// DetectQuick returns a format only when confidence clears 0.8, else Unknown
// — a cheap pre-check before the full Detect when only endpoint/headers are
// available (e.g. routing before the body has been fully read).
func DetectQuick(endpoint string, headers http.Header) Format {
	scores := map[Format]float64{Anthropic: 0, OpenAI: 0}
	if f, ok := voteEndpoint(endpoint); ok {
		scores[f] += weightEndpoint
	}
	if f, ok := voteHeaders(headers); ok {
		scores[f] += weightHeaders
	}
	res := argmax(scores, nil)
	if res.Confidence >= 0.8 {
		return res.Format
	}
	return Unknown
}

func argmax(scores map[Format]float64, reasoning []string) Result {
	best := Unknown
	bestScore := 0.0
	tied := false
	for f, s := range scores {
		if s > bestScore {
			best, bestScore, tied = f, s, false
		} else if s == bestScore && s > 0 {
			tied = true
		}
	}
	if tied || bestScore == 0 {
		return Result{Format: Unknown, Confidence: bestScore, Reasoning: reasoning}
	}
	return Result{Format: best, Confidence: bestScore, Reasoning: reasoning}
}

func voteEndpoint(endpoint string) (Format, bool) {
	switch {
	case strings.Contains(endpoint, "/anthropic/"):
		return Anthropic, true
	case strings.HasSuffix(endpoint, "/v1/messages"):
		return Anthropic, true
	case strings.Contains(endpoint, "/chat/completions"):
		return OpenAI, true
	}
	return Unknown, false
}

var anthropicHeaders = []string{"x-api-key", "anthropic-version"}

func hasConflictingHeaders(h http.Header) bool {
	hasAnthropic := false
	for _, key := range anthropicHeaders {
		if h.Get(key) != "" {
			hasAnthropic = true
		}
	}
	hasOpenAI := strings.HasPrefix(h.Get("Authorization"), "Bearer ")
	for key := range h {
		if strings.HasPrefix(key, "OpenAI-") {
			hasOpenAI = true
		}
	}
	return hasAnthropic && hasOpenAI
}

func voteHeaders(h http.Header) (Format, bool) {
	if h == nil {
		return Unknown, false
	}
	hasAnthropic := false
	for _, key := range anthropicHeaders {
		if h.Get(key) != "" {
			hasAnthropic = true
		}
	}
	hasOpenAI := strings.HasPrefix(h.Get("Authorization"), "Bearer ")
	for key := range h {
		if strings.HasPrefix(key, "OpenAI-") {
			hasOpenAI = true
		}
	}
	switch {
	case hasAnthropic && hasOpenAI:
		return Unknown, false
	case hasAnthropic:
		return Anthropic, true
	case hasOpenAI:
		return OpenAI, true
	}
	return Unknown, false
}

func voteModelName(body map[string]any) (Format, bool) {
	model, _ := body["model"].(string)
	switch {
	case strings.HasPrefix(model, "claude-") || strings.Contains(model, "claude"):
		return Anthropic, true
	case strings.HasPrefix(model, "gpt-") || strings.Contains(model, "gpt"):
		return OpenAI, true
	}
	return Unknown, false
}

func voteStructure(body map[string]any) (Format, bool) {
	messages, _ := body["messages"].([]any)
	_, hasSystem := body["system"].(string)

	rolesOutsideAnthropic := false
	rolesIncludeSystem := false
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		switch role {
		case "system":
			rolesIncludeSystem = true
		case "user", "assistant":
		default:
			rolesOutsideAnthropic = true
		}
	}

	if hasSystem && !rolesOutsideAnthropic && !rolesIncludeSystem {
		return Anthropic, true
	}

	_, hasFunctions := body["functions"]
	_, hasTools := body["tools"]
	_, hasResponseFormat := body["response_format"]
	_, hasStream := body["stream"]
	if rolesIncludeSystem || hasFunctions || hasTools || hasResponseFormat || hasStream {
		return OpenAI, true
	}
	return Unknown, false
}

func voteBodyFields(body map[string]any) (Format, bool) {
	_, hasTopK := body["top_k"]
	_, hasFreqPenalty := body["frequency_penalty"]
	_, hasPresPenalty := body["presence_penalty"]
	switch {
	case hasTopK:
		return Anthropic, true
	case hasFreqPenalty || hasPresPenalty:
		return OpenAI, true
	}
	return Unknown, false
}
