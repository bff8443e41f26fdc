package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the fully resolved configuration for one completion
// call. Nil pointer fields are omitted from the outgoing payload.
type Request struct {
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int

	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64

	// Provider options. ReasoningEffort and TextVerbosity are only set
	// for reasoning-capable models; the settings chain gates them.
	ReasoningEffort string
	TextVerbosity   string
	Store           *bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Result struct {
	Content      string
	Usage        Usage
	FinishReason string
}

type Provider interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// The result channel receives exactly one value on clean finish, after
// the chunk channel closes.
type StreamProvider interface {
	StreamComplete(ctx context.Context, req Request) (<-chan string, <-chan *Result, <-chan error)
}
