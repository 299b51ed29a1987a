// Package gemini adapts the canonical chat contract onto the Gemini REST
// API. Unlike the OpenAI adapter this one translates in both directions:
// tool calls and tool results map to functionCall/functionResponse parts,
// image URLs are downloaded and inlined, and candidate replies are folded
// back into the canonical shape. It never retries; fallback is the router's
// job.
package gemini

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/media"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// SafetyPlaceholder is returned as a successful reply when a candidate was
// suppressed by a content filter. The front end renders it verbatim.
const SafetyPlaceholder = "⚠️ I cannot answer this due to safety filters."

// Client implements domain.ChatProvider and domain.EmbeddingProvider
// against Gemini.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	fetcher *media.Fetcher
	tokens  *tokencount.Counter
}

// New constructs the adapter. Gemini reports no usage for batch embeddings,
// so the token counter estimates it.
func New(cfg config.Config, fetcher *media.Fetcher, tokens *tokencount.Counter) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.ProviderTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		fetcher: fetcher,
		tokens:  tokens,
	}
}

// Name implements domain.ChatProvider.
func (c *Client) Name() string { return domain.ProviderGemini }

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.cfg.GeminiAPIKey != "" }

// Wire types. Gemini accepts snake_case for inline data and camelCase for
// function plumbing; both spellings below are part of the contract.

type wireInline struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireFunctionResponse struct {
	Name     string               `json:"name"`
	Response wireFunctionRespBody `json:"response"`
}

type wireFunctionRespBody struct {
	Content string `json:"content"`
}

type wirePart struct {
	Text             *string               `json:"text,omitempty"`
	InlineData       *wireInline           `json:"inline_data,omitempty"`
	FunctionCall     *wireFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResponse `json:"functionResponse,omitempty"`
}

func textPart(s string) wirePart { return wirePart{Text: &s} }

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []wireContent     `json:"contents"`
	Tools            []wireTool        `json:"tools,omitempty"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []wirePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Invoke translates the canonical request, calls generateContent and folds
// the first candidate back into the canonical shape.
func (c *Client) Invoke(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	contents, err := c.translateMessages(ctx, req.Messages, req.Files)
	if err != nil {
		return domain.ChatResponse{}, err
	}

	body := generateRequest{Contents: contents}
	if len(req.Tools) > 0 {
		decls := make([]wireFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, wireFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		body.Tools = []wireTool{{FunctionDeclarations: decls}}
	}
	gc := &generationConfig{Temperature: req.Temperature}
	if req.JSONOnly {
		gc.ResponseMimeType = "application/json"
	}
	body.GenerationConfig = gc

	slog.Info("calling gemini chat", slog.String("model", c.cfg.GeminiChatModel), slog.Int("messages", len(req.Messages)))
	var out generateResponse
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.GeminiBaseURL, c.cfg.GeminiChatModel)
	if err := c.postJSON(ctx, endpoint, "chat", body, &out); err != nil {
		return domain.ChatResponse{}, err
	}
	if len(out.Candidates) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("%w: gemini returned no candidates", domain.ErrProviderFailure)
	}
	return mapResponse(out), nil
}

// Embed calls batchEmbedContents and reshapes the reply into the
// OpenAI-compatible list format, estimating usage locally.
func (c *Client) Embed(ctx domain.Context, texts []string) (domain.EmbedResponse, error) {
	type embedContentRequest struct {
		Model   string      `json:"model"`
		Content wireContent `json:"content"`
	}
	reqs := make([]embedContentRequest, len(texts))
	for i, t := range texts {
		reqs[i] = embedContentRequest{
			Model:   "models/" + c.cfg.GeminiEmbeddingsModel,
			Content: wireContent{Parts: []wirePart{textPart(t)}},
		}
	}
	body := map[string]any{"requests": reqs}

	var out struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	endpoint := fmt.Sprintf("%s/models/%s:batchEmbedContents", c.cfg.GeminiBaseURL, c.cfg.GeminiEmbeddingsModel)
	if err := c.postJSON(ctx, endpoint, "embed", body, &out); err != nil {
		return domain.EmbedResponse{}, err
	}
	if len(out.Embeddings) == 0 {
		return domain.EmbedResponse{}, fmt.Errorf("%w: gemini embed returned no embeddings", domain.ErrProviderFailure)
	}

	data := make([]domain.Embedding, len(out.Embeddings))
	for i, e := range out.Embeddings {
		data[i] = domain.Embedding{Object: "embedding", Embedding: e.Values, Index: i}
	}
	tokens := c.tokens.CountTexts(texts, c.cfg.GeminiEmbeddingsModel)
	return domain.EmbedResponse{
		Object: "list",
		Data:   data,
		Model:  c.cfg.GeminiEmbeddingsModel,
		Usage:  domain.EmbedUsage{PromptTokens: tokens, TotalTokens: tokens},
	}, nil
}

// translateMessages applies the outbound mapping rules in order: tool
// results, assistant tool calls, sequenced content, plain strings, legacy
// file folding on the final user message, and the assistant-to-model role
// rename.
func (c *Client) translateMessages(ctx domain.Context, msgs []domain.Message, files []domain.File) ([]wireContent, error) {
	lastUser := -1
	for i, m := range msgs {
		if m.Role == domain.RoleUser {
			lastUser = i
		}
	}

	contents := make([]wireContent, 0, len(msgs))
	for i, m := range msgs {
		if m.Role == domain.RoleTool {
			contents = append(contents, wireContent{
				Role: "user",
				Parts: []wirePart{{FunctionResponse: &wireFunctionResponse{
					Name:     m.Name,
					Response: wireFunctionRespBody{Content: m.Content.PlainText()},
				}}},
			})
			continue
		}
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			parts := make([]wirePart, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := parseCallArgs(tc.Function.Arguments)
				if err != nil {
					return nil, fmt.Errorf("%w: gemini tool-call arguments for %s: %v", domain.ErrProviderFailure, tc.Function.Name, err)
				}
				parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{Name: tc.Function.Name, Args: args}})
			}
			contents = append(contents, wireContent{Role: "model", Parts: parts})
			continue
		}

		var parts []wirePart
		if m.Content.IsParts() {
			for _, p := range m.Content.Parts {
				switch p.Type {
				case domain.PartTypeText:
					parts = append(parts, textPart(p.Text))
				case domain.PartTypeImageURL:
					if p.ImageURL == nil || p.ImageURL.URL == "" {
						continue
					}
					if inline, ok := c.inlineImage(ctx, p.ImageURL.URL); ok {
						parts = append(parts, wirePart{InlineData: inline})
					}
				}
			}
		} else {
			parts = append(parts, textPart(m.Content.Text))
		}
		if i == lastUser {
			parts = append(parts, c.inlineFiles(ctx, files)...)
		}
		contents = append(contents, wireContent{Role: geminiRole(m.Role), Parts: parts})
	}
	return contents, nil
}

// inlineImage turns a remote or data URL into inline image bytes. A failed
// fetch skips the image with a warning; the message still proceeds.
func (c *Client) inlineImage(ctx domain.Context, imageURL string) (*wireInline, bool) {
	if media.IsDataURL(imageURL) {
		mime, data, ok := media.ParseDataURL(imageURL)
		if !ok {
			slog.Warn("skipping malformed data url image")
			return nil, false
		}
		return &wireInline{MIMEType: mime, Data: data}, true
	}
	raw, mime, err := c.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		slog.Warn("skipping image, fetch failed", slog.String("url", imageURL), slog.Any("error", err))
		return nil, false
	}
	return &wireInline{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(raw)}, true
}

// inlineFiles converts legacy image files (remote or inline base64) into
// inline_data parts appended to the final user message.
func (c *Client) inlineFiles(ctx domain.Context, files []domain.File) []wirePart {
	var parts []wirePart
	for _, f := range files {
		if f.Type != domain.FileTypeImage {
			continue
		}
		switch {
		case f.Data != "":
			raw, mime, err := media.SniffBase64(f.Data)
			if err != nil {
				slog.Warn("skipping undecodable inline image", slog.String("name", f.Name), slog.Any("error", err))
				continue
			}
			parts = append(parts, wirePart{InlineData: &wireInline{
				MIMEType: mime,
				Data:     base64.StdEncoding.EncodeToString(raw),
			}})
		case f.URL != "":
			if inline, ok := c.inlineImage(ctx, f.URL); ok {
				parts = append(parts, wirePart{InlineData: inline})
			}
		}
	}
	return parts
}

// mapResponse folds the first candidate into the canonical shape. A
// candidate with no content is a safety block: a successful reply carrying
// the fixed placeholder, never an error.
func mapResponse(resp generateResponse) domain.ChatResponse {
	var usage domain.Usage
	if resp.UsageMetadata != nil {
		usage = domain.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		text := SafetyPlaceholder
		return domain.ChatResponse{
			Choices: []domain.Choice{{Message: domain.ReplyMessage{Role: domain.RoleAssistant, Content: &text}}},
			Usage:   usage,
		}
	}

	var toolCalls []domain.ToolCall
	ms := time.Now().UnixMilli()
	for _, p := range cand.Content.Parts {
		if p.FunctionCall == nil {
			continue
		}
		args := "{}"
		if len(p.FunctionCall.Args) > 0 && string(p.FunctionCall.Args) != "null" {
			args = string(p.FunctionCall.Args)
		}
		toolCalls = append(toolCalls, domain.ToolCall{
			ID:       fmt.Sprintf("call_%d_%d", ms, len(toolCalls)),
			Type:     "function",
			Function: domain.ToolCallFunction{Name: p.FunctionCall.Name, Arguments: args},
		})
	}
	if len(toolCalls) > 0 {
		return domain.ChatResponse{
			Choices: []domain.Choice{{Message: domain.ReplyMessage{Role: domain.RoleAssistant, Content: nil, ToolCalls: toolCalls}}},
			Usage:   usage,
		}
	}

	text := ""
	if cand.Content.Parts[0].Text != nil {
		text = *cand.Content.Parts[0].Text
	}
	return domain.ChatResponse{
		Choices: []domain.Choice{{Message: domain.ReplyMessage{Role: domain.RoleAssistant, Content: &text}}},
		Usage:   usage,
	}
}

func geminiRole(role string) string {
	if role == domain.RoleAssistant {
		return "model"
	}
	return "user"
}

// parseCallArgs validates the JSON-encoded tool-call arguments coming back
// through a multi-turn history. Empty means no arguments.
func parseCallArgs(s string) (json.RawMessage, error) {
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("invalid JSON %q", s)
	}
	return json.RawMessage(s), nil
}

// postJSON performs one non-retried JSON POST against a full endpoint URL
// and maps every failure mode to domain.ErrProviderFailure.
func (c *Client) postJSON(ctx domain.Context, endpoint, op string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=gemini.%s: %w", op, err)
	}
	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=gemini.%s: %w", op, err)
	}
	r.Header.Set("x-goog-api-key", c.cfg.GeminiAPIKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		observability.ObserveAICall(domain.ProviderGemini, op, "error", time.Since(start))
		return fmt.Errorf("%w: gemini %s: %v", domain.ErrProviderFailure, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveAICall(domain.ProviderGemini, op, "error", time.Since(start))
		return fmt.Errorf("%w: gemini %s read: %v", domain.ErrProviderFailure, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.ObserveAICall(domain.ProviderGemini, op, "error", time.Since(start))
		slog.Warn("gemini non-2xx",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(bodyBytes)))
		return fmt.Errorf("%w: gemini %s status %d", domain.ErrProviderFailure, op, resp.StatusCode)
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		observability.ObserveAICall(domain.ProviderGemini, op, "error", time.Since(start))
		return fmt.Errorf("%w: gemini %s decode: %v", domain.ErrProviderFailure, op, err)
	}
	observability.ObserveAICall(domain.ProviderGemini, op, "success", time.Since(start))
	return nil
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
