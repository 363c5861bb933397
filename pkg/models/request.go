package models

import "encoding/json"

// RequestEnvelope holds the fields of a client request body the proxy looks
// at. The body itself is forwarded untouched.
type RequestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

// OpenAIResponse is the usage-bearing part of an OpenAI chat completion
// response or streaming chunk.
type OpenAIResponse struct {
	Model string `json:"model"`
	Usage *Usage `json:"usage,omitempty"`
}

// AnthropicUsage holds token counts from an Anthropic response.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicResponse is the usage-bearing part of an Anthropic /v1/messages
// response.
type AnthropicResponse struct {
	Model string          `json:"model"`
	Usage *AnthropicUsage `json:"usage,omitempty"`
}

// AnthropicStreamEvent represents an Anthropic SSE event.
type AnthropicStreamEvent struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Usage   *AnthropicUsage `json:"usage,omitempty"`
}

// ToUsage converts AnthropicUsage to the standard Usage type.
func (u *AnthropicUsage) ToUsage() *Usage {
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}
