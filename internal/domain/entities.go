package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrProviderFailure    = errors.New("provider failure")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrResultTimeout      = errors.New("Timeout")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

// Provider names as used in configuration, request overrides and pricing.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	// DefaultTenant is used when a request carries no organization_id.
	DefaultTenant = "default_org"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Job is one queued chat unit of work. It is JSON-serialized onto the
// tenant queue and must round-trip losslessly.
type Job struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	Tenant           string          `json:"tenant"`
	Provider         string          `json:"provider"`
	Messages         []Message       `json:"messages"`
	Files            []File          `json:"files,omitempty"`
	Temperature      float64         `json:"temperature"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	TicketID         string          `json:"ticket_id,omitempty"`
	TicketCategories []string        `json:"ticket_categories,omitempty"`
	Category         string          `json:"category,omitempty"`
	NameUser         string          `json:"nameUser,omitempty"`
	// EnqueuedAt is a millisecond epoch set at admission; response_time_ms
	// in the reply metadata is measured from it.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// Message is a single conversation turn. Content is either a plain string
// or an ordered sequence of parts.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Content is the string-or-parts union used by message bodies. A nil Parts
// slice means the content was a plain string (possibly empty); JSON null
// decodes to the zero value.
type Content struct {
	Text  string
	Parts []Part
}

// IsParts reports whether the content was an ordered sequence of parts.
func (c Content) IsParts() bool { return c.Parts != nil }

// PlainText returns the string form of the content: the text itself for
// plain content, or the concatenation of text parts for sequenced content.
func (c Content) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == PartTypeText {
			if out != "" {
				out += " "
			}
			out += p.Text
		}
	}
	return out
}

// HasImagePart reports whether any part is an image URL.
func (c Content) HasImagePart() bool {
	for _, p := range c.Parts {
		if p.Type == PartTypeImageURL {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*c = Content{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("content string: %w", err)
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var parts []Part
		if err := json.Unmarshal(b, &parts); err != nil {
			return fmt.Errorf("content parts: %w", err)
		}
		if parts == nil {
			parts = []Part{}
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array: %w", ErrInvalidArgument)
	}
}

// MarshalJSON emits the original shape: array when the content carried
// parts, string otherwise.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Part types.
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// Part is one element of sequenced message content.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef carries an image location for image_url parts.
type ImageRef struct {
	URL string `json:"url"`
}

// File kinds recognized by query-type detection and message folding.
const (
	FileTypeImage = "image"
	FileTypePDF   = "pdf"
)

// File is a legacy file descriptor attached to a chat request: either a URL
// or an inline base64 payload.
type File struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
	Name string `json:"name,omitempty"`
}

// Tool is a function tool schema passed through to providers.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the schema portion of a tool declaration.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the call target and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the canonical request every provider adapter accepts.
type ChatRequest struct {
	Messages    []Message
	Files       []File
	Temperature float64
	Tools       []Tool
	ToolChoice  json.RawMessage
	// JSONOnly asks the provider for a JSON-object reply (classifier path).
	JSONOnly bool
}

// ChatResponse is the canonical chat reply shape all adapters produce.
type ChatResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice wraps a reply message.
type Choice struct {
	Message ReplyMessage `json:"message"`
}

// ReplyMessage is the assistant turn of a canonical response. Content is
// null (nil) when the model answered with tool calls.
type ReplyMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Text returns the reply content or "" when the reply is tool calls only.
func (m ReplyMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Usage carries provider-reported token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ReplyMetadata is the accounting block appended to chat replies. The JSON
// field names are part of the external contract.
type ReplyMetadata struct {
	RequestID      string  `json:"request_id"`
	Provider       string  `json:"provider"`
	NameUser       string  `json:"nameUser"`
	HasFiles       bool    `json:"hasFiles"`
	Timestamp      string  `json:"timestamp"`
	QueryType      string  `json:"query_type"`
	Priority       string  `json:"priority"`
	CreditsUsed    float64 `json:"credits_used"`
	ResponseTimeMS int64   `json:"response_time_ms"`
	CostUSD        float64 `json:"cost_usd"`
}

// ChatReply is the canonical response plus metadata; it is what the worker
// publishes into the result slot and the front-end returns to the caller.
type ChatReply struct {
	Choices  []Choice       `json:"choices"`
	Usage    Usage          `json:"usage"`
	Metadata *ReplyMetadata `json:"metadata,omitempty"`
}

// JobResult is the envelope stored in result:{jobId}.
type JobResult struct {
	Success bool       `json:"success"`
	Data    *ChatReply `json:"data,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Embedding vectors in the OpenAI-compatible list shape.

type Embedding struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type EmbedUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbedMetadata is the accounting block for embedding replies.
type EmbedMetadata struct {
	RequestID      string  `json:"request_id"`
	Provider       string  `json:"provider"`
	CreditsUsed    float64 `json:"credits_used"`
	ResponseTimeMS int64   `json:"response_time_ms"`
	CostUSD        float64 `json:"cost_usd"`
	Timestamp      string  `json:"timestamp"`
}

// EmbedResponse is the OpenAI-compatible embedding list reply.
type EmbedResponse struct {
	Object   string         `json:"object"`
	Data     []Embedding    `json:"data"`
	Model    string         `json:"model"`
	Usage    EmbedUsage     `json:"usage"`
	Metadata *EmbedMetadata `json:"metadata,omitempty"`
}

// TicketClassification is the classifier outcome pushed to the webhook.
type TicketClassification struct {
	TicketID string `json:"ticket_id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// UsageRecord is one accounting row for a completed call.
type UsageRecord struct {
	RequestID        string
	JobID            string
	Tenant           string
	Provider         string
	Operation        string
	QueryType        string
	Credits          float64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Ports

// ChatProvider is a provider adapter for chat completions.
type ChatProvider interface {
	Name() string
	// Configured reports whether credentials exist for this provider. The
	// router consults it only when selecting a fallback.
	Configured() bool
	Invoke(ctx Context, req ChatRequest) (ChatResponse, error)
}

// EmbeddingProvider is a provider adapter for embeddings.
type EmbeddingProvider interface {
	Name() string
	Configured() bool
	Embed(ctx Context, texts []string) (EmbedResponse, error)
}

// Transcriber converts remote audio into text.
type Transcriber interface {
	Transcribe(ctx Context, url, model string) (string, error)
}

// ImageTextReader extracts visible text from a remote image.
type ImageTextReader interface {
	ReadImageText(ctx Context, imageURL string) (string, error)
}

// JobExecutor runs one dequeued job to completion and assembles the reply.
type JobExecutor interface {
	ExecuteJob(ctx Context, job Job) (ChatReply, error)
}

// UsageLedger records per-call accounting rows. Implementations must be
// safe to call from worker goroutines; failures are logged by callers and
// never affect replies.
type UsageLedger interface {
	Record(ctx Context, rec UsageRecord) error
}

// TicketPublisher delivers a ticket classification to the webhook target.
type TicketPublisher interface {
	Publish(ctx Context, tc TicketClassification) error
}

// JobQueue is the admission-side view of the tenant queue: enqueue plus the
// result-slot read/delete pair used by the waiter.
type JobQueue interface {
	Enqueue(ctx Context, job Job) error
	FetchResult(ctx Context, jobID string) (JobResult, bool, error)
	DeleteResult(ctx Context, jobID string) error
}

// WorkerSupervisor spawns a tenant worker when none is registered locally.
// Ensure reports whether this call created one.
type WorkerSupervisor interface {
	Ensure(ctx Context, tenant string) bool
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases should pass context.Context through.
type Context = context.Context
