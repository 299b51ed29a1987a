// Package openai adapts canonical chat, embedding, transcription and OCR
// calls onto the OpenAI REST API. The chat wire format is already canonical,
// so the adapter's work is model selection, legacy file folding and error
// mapping. It never retries; fallback is the router's job.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/media"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// OCR prompt pair for ReadImageText. The sentinel token is matched by the
// media usecase to substitute the visual-only placeholder.
const (
	ocrSystemPrompt = "You are an OCR engine. Extract every piece of visible text from the image exactly as written, preserving line breaks and reading order. Do not describe the image. If the image contains no readable text at all, reply with exactly [NO_TEXT_DETECTED]."
	ocrUserPrompt   = "Extract all text from this image."
)

// Client implements domain.ChatProvider, domain.EmbeddingProvider,
// domain.Transcriber and domain.ImageTextReader against OpenAI.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	fetcher *media.Fetcher
}

// New constructs the adapter. The HTTP client carries the hard per-call
// provider timeout.
func New(cfg config.Config, fetcher *media.Fetcher) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.ProviderTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		fetcher: fetcher,
	}
}

// Name implements domain.ChatProvider.
func (c *Client) Name() string { return domain.ProviderOpenAI }

// Configured reports whether an API key is present. The router consults this
// only when picking a fallback; primary calls proceed regardless and surface
// the upstream auth error.
func (c *Client) Configured() bool { return c.cfg.OpenAIAPIKey != "" }

// Invoke calls chat completions. A vision-capable model is chosen when any
// file is an image or any message carries an image part.
func (c *Client) Invoke(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	model := c.cfg.OpenAIChatModel
	if needsVision(req) {
		model = c.cfg.OpenAIVisionModel
	}

	body := map[string]any{
		"model":       model,
		"messages":    foldImageFiles(req.Messages, req.Files),
		"temperature": req.Temperature,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if len(req.ToolChoice) > 0 {
		body["tool_choice"] = json.RawMessage(req.ToolChoice)
	}
	if req.JSONOnly {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	slog.Info("calling openai chat", slog.String("model", model), slog.Int("messages", len(req.Messages)))
	var out domain.ChatResponse
	if err := c.postJSON(ctx, "/chat/completions", "chat", body, &out); err != nil {
		return domain.ChatResponse{}, err
	}
	if len(out.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("%w: openai chat returned no choices", domain.ErrProviderFailure)
	}
	return out, nil
}

// Embed calls the embeddings endpoint; the reply is already in the
// OpenAI-compatible list shape the gateway returns to callers.
func (c *Client) Embed(ctx domain.Context, texts []string) (domain.EmbedResponse, error) {
	body := map[string]any{
		"model": c.cfg.OpenAIEmbeddingsModel,
		"input": texts,
	}
	var out domain.EmbedResponse
	if err := c.postJSON(ctx, "/embeddings", "embed", body, &out); err != nil {
		return domain.EmbedResponse{}, err
	}
	if len(out.Data) == 0 {
		return domain.EmbedResponse{}, fmt.Errorf("%w: openai embed returned no data", domain.ErrProviderFailure)
	}
	if out.Object == "" {
		out.Object = "list"
	}
	if out.Model == "" {
		out.Model = c.cfg.OpenAIEmbeddingsModel
	}
	return out, nil
}

// Transcribe downloads audio from url and posts it as multipart form-data to
// the transcription endpoint. An empty transcript is not an error here; the
// caller substitutes the no-speech placeholder.
func (c *Client) Transcribe(ctx domain.Context, audioURL, model string) (string, error) {
	if model == "" {
		model = c.cfg.OpenAITranscribeModel
	}
	audio, _, err := c.fetcher.Fetch(ctx, audioURL)
	if err != nil {
		return "", fmt.Errorf("%w: audio download: %v", domain.ErrProviderFailure, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileNameFromURL(audioURL))
	if err != nil {
		return "", fmt.Errorf("op=openai.transcribe: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("op=openai.transcribe: %w", err)
	}
	if err := mw.WriteField("model", model); err != nil {
		return "", fmt.Errorf("op=openai.transcribe: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("op=openai.transcribe: %w", err)
	}

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("op=openai.transcribe: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(r)
	if err != nil {
		observability.ObserveAICall(domain.ProviderOpenAI, "transcribe", "error", time.Since(start))
		return "", fmt.Errorf("%w: openai transcribe: %v", domain.ErrProviderFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveAICall(domain.ProviderOpenAI, "transcribe", "error", time.Since(start))
		return "", fmt.Errorf("%w: openai transcribe read: %v", domain.ErrProviderFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.ObserveAICall(domain.ProviderOpenAI, "transcribe", "error", time.Since(start))
		slog.Warn("openai non-2xx", slog.String("op", "transcribe"), slog.Int("status", resp.StatusCode), slog.String("body", snippet(bodyBytes)))
		return "", fmt.Errorf("%w: openai transcribe status %d", domain.ErrProviderFailure, resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		observability.ObserveAICall(domain.ProviderOpenAI, "transcribe", "error", time.Since(start))
		return "", fmt.Errorf("%w: openai transcribe decode: %v", domain.ErrProviderFailure, err)
	}
	observability.ObserveAICall(domain.ProviderOpenAI, "transcribe", "success", time.Since(start))
	return out.Text, nil
}

// ReadImageText runs the fixed OCR prompt pair against the vision model and
// returns the raw reply, which may be the [NO_TEXT_DETECTED] sentinel.
func (c *Client) ReadImageText(ctx domain.Context, imageURL string) (string, error) {
	body := map[string]any{
		"model":       c.cfg.OpenAIVisionModel,
		"temperature": 0,
		"messages": []map[string]any{
			{"role": domain.RoleSystem, "content": ocrSystemPrompt},
			{"role": domain.RoleUser, "content": []map[string]any{
				{"type": "text", "text": ocrUserPrompt},
				{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
			}},
		},
	}
	var out domain.ChatResponse
	if err := c.postJSON(ctx, "/chat/completions", "ocr", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: openai ocr returned no choices", domain.ErrProviderFailure)
	}
	return out.Choices[0].Message.Text(), nil
}

// postJSON performs one non-retried JSON POST and maps every failure mode to
// domain.ErrProviderFailure.
func (c *Client) postJSON(ctx domain.Context, apiPath, op string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=openai.%s: %w", op, err)
	}
	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+apiPath, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=openai.%s: %w", op, err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		observability.ObserveAICall(domain.ProviderOpenAI, op, "error", time.Since(start))
		return fmt.Errorf("%w: openai %s: %v", domain.ErrProviderFailure, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.ObserveAICall(domain.ProviderOpenAI, op, "error", time.Since(start))
		return fmt.Errorf("%w: openai %s read: %v", domain.ErrProviderFailure, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.ObserveAICall(domain.ProviderOpenAI, op, "error", time.Since(start))
		slog.Warn("openai non-2xx",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet(bodyBytes)))
		return fmt.Errorf("%w: openai %s status %d", domain.ErrProviderFailure, op, resp.StatusCode)
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		observability.ObserveAICall(domain.ProviderOpenAI, op, "error", time.Since(start))
		return fmt.Errorf("%w: openai %s decode: %v", domain.ErrProviderFailure, op, err)
	}
	observability.ObserveAICall(domain.ProviderOpenAI, op, "success", time.Since(start))
	return nil
}

// needsVision reports whether the request carries any image input.
func needsVision(req domain.ChatRequest) bool {
	for _, f := range req.Files {
		if f.Type == domain.FileTypeImage {
			return true
		}
	}
	for _, m := range req.Messages {
		if m.Content.HasImagePart() {
			return true
		}
	}
	return false
}

// foldImageFiles attaches legacy image files to the last user message as
// image-URL parts, inlining base64 payloads as data URLs. Messages are not
// mutated in place; the job payload must stay pristine for requeue safety.
func foldImageFiles(messages []domain.Message, files []domain.File) []domain.Message {
	images := make([]domain.Part, 0, len(files))
	for _, f := range files {
		if f.Type != domain.FileTypeImage {
			continue
		}
		u := f.URL
		if u == "" && f.Data != "" {
			raw, _, err := media.SniffBase64(f.Data)
			if err != nil {
				slog.Warn("skipping undecodable inline image", slog.String("name", f.Name), slog.Any("error", err))
				continue
			}
			u = media.DataURL(raw)
		}
		if u == "" {
			continue
		}
		images = append(images, domain.Part{Type: domain.PartTypeImageURL, ImageURL: &domain.ImageRef{URL: u}})
	}
	if len(images) == 0 {
		return messages
	}

	out := make([]domain.Message, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != domain.RoleUser {
			continue
		}
		var parts []domain.Part
		if out[i].Content.IsParts() {
			parts = append(parts, out[i].Content.Parts...)
		} else {
			parts = append(parts, domain.Part{Type: domain.PartTypeText, Text: out[i].Content.Text})
		}
		out[i].Content = domain.Content{Parts: append(parts, images...)}
		break
	}
	return out
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "audio.mp3"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "audio.mp3"
	}
	return name
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
