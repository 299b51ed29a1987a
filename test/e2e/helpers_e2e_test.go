//go:build e2e
// +build e2e

// Package e2e_test boots the whole gateway in one process: the real router,
// the real queue and worker pool against miniredis, and httptest fakes
// standing in for the provider APIs. Tests drive it over HTTP exactly like
// the upstream consumer would.
package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/media"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-gateway/internal/adapter/webhook"
	"github.com/fairyhunter13/ai-gateway/internal/app"
	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-gateway/internal/usecase"
)

// openaiStub fakes the slice of the OpenAI surface the gateway touches.
// Chat completions echo the last string prompt back as "echo: <prompt>",
// part-list prompts (vision, OCR) get a fixed reply, embeddings return one
// vector per input and transcriptions return a fixed transcript. It also
// serves raw bytes under /files/ so transcription tests have something to
// download. In-flight chat calls are counted so tests can assert per-tenant
// serialization.
type openaiStub struct {
	ChatSleep time.Duration
	ChatFail  bool

	ChatCalls   atomic.Int32
	EmbedCalls  atomic.Int32
	inFlight    atomic.Int32
	MaxInFlight atomic.Int32

	mu      sync.Mutex
	prompts []string
}

func (s *openaiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		s.serveChat(w, r)
	case strings.HasSuffix(r.URL.Path, "/embeddings"):
		s.serveEmbed(w, r)
	case strings.HasSuffix(r.URL.Path, "/audio/transcriptions"):
		writeBody(w, map[string]string{"text": "one two three"})
	case strings.HasPrefix(r.URL.Path, "/files/"):
		_, _ = w.Write([]byte("fake media payload"))
	default:
		http.NotFound(w, r)
	}
}

func (s *openaiStub) serveChat(w http.ResponseWriter, r *http.Request) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.MaxInFlight.Load()
		if cur <= max || s.MaxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	s.ChatCalls.Add(1)

	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	reply := "STOP sign ahead"
	if n := len(req.Messages); n > 0 {
		var prompt string
		if json.Unmarshal(req.Messages[n-1].Content, &prompt) == nil {
			s.mu.Lock()
			s.prompts = append(s.prompts, prompt)
			s.mu.Unlock()
			reply = "echo: " + prompt
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		reply = `{"title":"Refund not processed","category":"billing","priority":"low","reason":"caller asks about a missing refund"}`
	}

	if s.ChatSleep > 0 {
		time.Sleep(s.ChatSleep)
	}
	if s.ChatFail {
		http.Error(w, `{"error":{"message":"upstream exploded"}}`, http.StatusInternalServerError)
		return
	}
	writeBody(w, map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": reply}},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
	})
}

func (s *openaiStub) serveEmbed(w http.ResponseWriter, r *http.Request) {
	s.EmbedCalls.Add(1)
	var req struct {
		Input []string `json:"input"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	data := make([]map[string]any, 0, len(req.Input))
	for i := range req.Input {
		data = append(data, map[string]any{
			"object":    "embedding",
			"embedding": []float64{0.01, 0.02, float64(i)},
			"index":     i,
		})
	}
	writeBody(w, map[string]any{
		"object": "list",
		"data":   data,
		"model":  "text-embedding-3-small",
		"usage":  map[string]int{"prompt_tokens": 6, "total_tokens": 6},
	})
}

// Prompts returns the chat prompts in upstream arrival order.
func (s *openaiStub) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// geminiStub fakes generateContent and batchEmbedContents. Block simulates a
// safety refusal: a candidate with no content parts.
type geminiStub struct {
	Block     bool
	ChatCalls atomic.Int32
}

func (s *geminiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, ":generateContent"):
		s.ChatCalls.Add(1)
		if s.Block {
			writeBody(w, map[string]any{
				"candidates":    []any{map[string]any{"finishReason": "SAFETY"}},
				"usageMetadata": map[string]int{"promptTokenCount": 9, "candidatesTokenCount": 0},
			})
			return
		}
		writeBody(w, map[string]any{
			"candidates": []any{
				map[string]any{
					"content":      map[string]any{"parts": []any{map[string]string{"text": "gemini to the rescue"}}},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]int{"promptTokenCount": 9, "candidatesTokenCount": 5},
		})
	case strings.HasSuffix(r.URL.Path, ":batchEmbedContents"):
		writeBody(w, map[string]any{
			"embeddings": []any{map[string]any{"values": []float64{0.5, 0.6}}},
		})
	default:
		http.NotFound(w, r)
	}
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// gateway is one fully wired in-process instance.
type gateway struct {
	URL    string
	Client *http.Client
	Redis  *miniredis.Miniredis
}

// The default Prometheus registry is process-global, so registration runs
// once no matter how many gateways the suite starts.
var metricsOnce sync.Once

// startGateway wires the production object graph (config, queue, providers,
// services, router) against a fresh miniredis and returns the listening
// test server. env entries override the hermetic defaults; provider keys
// default to empty so each test opts in to exactly the upstreams it fakes.
func startGateway(t *testing.T, env map[string]string) *gateway {
	t.Helper()

	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	settings := map[string]string{
		"APP_ENV":                   "test",
		"REDIS_HOST":                host,
		"REDIS_PORT":                port,
		"OPENAI_API_KEY":            "",
		"GEMINI_API_KEY":            "",
		"SERVICE_API_KEY":           "",
		"WEBHOOK_BASE_URL":          "",
		"DB_URL":                    "",
		"PRICING_CONFIG_PATH":       "",
		"RESULT_POLL_INTERVAL":      "10ms",
		"TENANT_RATE_LIMIT_PER_MIN": "0",
	}
	for k, v := range env {
		settings[k] = v
	}
	for k, v := range settings {
		t.Setenv(k, v)
	}

	metricsOnce.Do(observability.InitMetrics)

	cfg, err := config.Load()
	require.NoError(t, err)
	pricing, err := config.LoadPricing(cfg.PricingConfigPath)
	require.NoError(t, err)

	queue := redisq.New(redisq.Options{
		Addr:       cfg.RedisAddr(),
		LockTTL:    cfg.LockTTL,
		ResultTTL:  cfg.ResultTTL,
		PopTimeout: cfg.QueuePopTimeout,
	})
	t.Cleanup(func() { _ = queue.Close() })

	fetcher := media.NewFetcher(cfg)
	oaClient := openai.New(cfg, fetcher)
	gmClient := gemini.New(cfg, fetcher, tokencount.NewCounter())
	router := usecase.NewProviderRouter(cfg.PrimaryProvider, cfg.ProviderOverrideEnabled(), oaClient, gmClient)

	var classifier *usecase.Classifier
	if cfg.WebhookEnabled() {
		classifier = usecase.NewClassifier(router, webhook.New(cfg))
	}
	executor := usecase.NewExecutor(router, pricing, nil, classifier)
	workers := redisq.NewWorkerPool(queue, executor, slog.Default())

	chatSvc := usecase.NewChatService(queue, workers, router, cfg.ResultWaitTimeout, cfg.ResultPollInterval)
	if limiter := ratelimiter.New(ratelimiter.Options{Addr: cfg.RedisAddr(), PerMinute: cfg.TenantRateLimitPerMin}); limiter != nil {
		t.Cleanup(func() { _ = limiter.Close() })
		chatSvc.Limiter = limiter
	}
	embedSvc := usecase.NewEmbeddingService(cfg.EmbeddingProvider, cfg.ProviderOverrideEnabled(), pricing, nil, oaClient, gmClient)
	audioSvc := usecase.AudioService{Transcriber: oaClient}
	ocrSvc := usecase.OCRService{Reader: oaClient}

	redisCheck, dbCheck := app.BuildReadinessChecks(queue, nil)
	srv := httpserver.NewServer(chatSvc, embedSvc, audioSvc, ocrSvc, dbCheck, redisCheck)

	ts := httptest.NewServer(app.BuildRouter(cfg, srv))
	t.Cleanup(ts.Close)

	return &gateway{URL: ts.URL, Client: ts.Client(), Redis: mr}
}

// startWithOpenAI stands up the given OpenAI stub and a gateway pointed at
// it. extra entries are forwarded to startGateway on top of the stub env.
func startWithOpenAI(t *testing.T, oa *openaiStub, extra map[string]string) *gateway {
	t.Helper()
	up := httptest.NewServer(oa)
	t.Cleanup(up.Close)

	env := map[string]string{
		"OPENAI_API_KEY":  "sk-test",
		"OPENAI_BASE_URL": up.URL,
	}
	for k, v := range extra {
		env[k] = v
	}
	return startGateway(t, env)
}

// postJSON sends one JSON POST and returns the response with its body fully
// read. Only safe on the test goroutine; concurrent callers use rawPost.
func (g *gateway) postJSON(t *testing.T, path, body string, hdr map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := g.Client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (g *gateway) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := g.Client.Get(g.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

// rawPost is the goroutine-safe variant of postJSON: it reports failures as
// values instead of touching testing.T.
func rawPost(client *http.Client, url, body string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func chatBody(prompt, tenant string) string {
	return fmt.Sprintf(`{"messages":[{"role":"user","content":%q}],"organization_id":%q}`, prompt, tenant)
}

func decodeChatReply(t *testing.T, raw []byte) domain.ChatReply {
	t.Helper()
	var out domain.ChatReply
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}
