package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Chat       usecase.ChatService
	Embeddings usecase.EmbeddingService
	Audio      usecase.AudioService
	OCR        usecase.OCRService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
// DBCheck may be nil when the usage ledger is disabled.
func NewServer(chat usecase.ChatService, embeddings usecase.EmbeddingService, audio usecase.AudioService, ocr usecase.OCRService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Chat: chat, Embeddings: embeddings, Audio: audio, OCR: ocr, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON reports whether the caller can take a JSON reply. Absent and
// wildcard Accept headers pass.
func acceptsJSON(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return a == "" || a == "*/*" || strings.Contains(a, "application/json")
}

// chatRequest is the wire shape of POST /chat. Message content decodes
// through the domain string-or-parts union.
type chatRequest struct {
	Messages         []domain.Message `json:"messages" validate:"required,min=1"`
	Files            []domain.File    `json:"files"`
	Temperature      *float64         `json:"temperature"`
	Provider         string           `json:"provider"`
	OrganizationID   string           `json:"organization_id"`
	Category         string           `json:"category"`
	NameUser         string           `json:"nameUser"`
	TicketID         string           `json:"ticket_id"`
	TicketCategories []string         `json:"ticket_categories"`
	Tools            []domain.Tool    `json:"tools"`
	ToolChoice       json.RawMessage  `json:"tool_choice"`
}

// ChatHandler admits a chat job and blocks until its result is published or
// the wall-clock wait runs out. The reply is the canonical response plus the
// accounting metadata block.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: "not acceptable"})
			return
		}
		// Inline base64 images ride in message parts, so the cap is generous.
		r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: messages must be a non-empty array", domain.ErrInvalidArgument))
			return
		}
		reply, err := s.Chat.Process(r.Context(), usecase.ChatInput{
			Messages:         req.Messages,
			Files:            req.Files,
			Temperature:      req.Temperature,
			Provider:         req.Provider,
			OrganizationID:   req.OrganizationID,
			Category:         req.Category,
			NameUser:         req.NameUser,
			TicketID:         req.TicketID,
			TicketCategories: req.TicketCategories,
			Tools:            req.Tools,
			ToolChoice:       req.ToolChoice,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

// embedRequest accepts texts with the OpenAI-named input as an alias. Either
// may be a single string or an array of strings.
type embedRequest struct {
	Texts          json.RawMessage `json:"texts"`
	Input          json.RawMessage `json:"input"`
	Provider       string          `json:"provider"`
	OrganizationID string          `json:"organization_id"`
}

func decodeTexts(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// EmbeddingsHandler serves POST /embeddings synchronously; embedding calls
// never queue.
func (s *Server) EmbeddingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: "not acceptable"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
			return
		}
		texts, err := decodeTexts(req.Texts)
		if err == nil && len(texts) == 0 {
			texts, err = decodeTexts(req.Input)
		}
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: texts must be a string or an array of strings", domain.ErrInvalidArgument))
			return
		}
		resp, err := s.Embeddings.Embed(r.Context(), usecase.EmbedInput{
			Texts:          texts,
			Provider:       req.Provider,
			OrganizationID: req.OrganizationID,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if resp.Metadata != nil {
			observability.ObserveUsage(domain.QueryTypeEmbed, resp.Metadata.Provider, resp.Metadata.CreditsUsed, resp.Metadata.CostUSD)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type audioRequest struct {
	URL   string `json:"url"`
	Model string `json:"model"`
}

type audioOutput struct {
	Result string `json:"result"`
}

type audioEnvelope struct {
	Output audioOutput `json:"output"`
}

// AudioHandler serves POST /audio. Transcription failures still produce a
// 200 with the error text in the result; the consumer treats the reply as a
// save signal.
func (s *Server) AudioHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: "not acceptable"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req audioRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
			return
		}
		text := s.Audio.Transcribe(r.Context(), req.URL, req.Model)
		writeJSON(w, http.StatusOK, audioEnvelope{Output: audioOutput{Result: text}})
	}
}

type ocrRequest struct {
	ImageURL string `json:"image_url"`
}

type ocrEnvelope struct {
	Content string `json:"content"`
}

// OCRHandler serves POST /image/ocr with the same save-signal convention as
// the audio endpoint.
func (s *Server) OCRHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: "not acceptable"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req ocrRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err))
			return
		}
		text := s.OCR.ReadImage(r.Context(), req.ImageURL)
		writeJSON(w, http.StatusOK, ocrEnvelope{Content: text})
	}
}

// TestHandler is the unauthenticated health probe the upstream consumer
// pings before routing traffic.
func (s *Server) TestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ai-gateway"})
	}
}

// ReadyzHandler reports readiness of the backing stores. Redis is required;
// the ledger database is probed only when configured.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
