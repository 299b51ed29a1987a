// Package tokencount estimates token counts for providers that do not
// report usage themselves (Gemini batch embeddings). It wraps tiktoken-go
// with a per-model encoding cache.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// offlineOnce installs the embedded BPE dictionaries so counting never
// reaches out to the network.
var offlineOnce sync.Once

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a token counter instance.
func NewCounter() *Counter {
	offlineOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// getEncodingForModel returns the tiktoken encoding for a model, caching it.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4-family models and approximates Gemini
		// tokenization closely enough for accounting.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalized),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps gateway model ids to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "text-embedding"):
		return "text-embedding-3-small"
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	default:
		// Gemini and anything unknown: no published tiktoken encoding,
		// GPT-4's is the closest stand-in.
		return "gpt-4"
	}
}

// CountTokens counts tokens in one text for a given model. Failures degrade
// to a ~4-chars-per-token estimate so accounting never blocks a reply.
func (c *Counter) CountTokens(text, model string) int {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		slog.Warn("token count failed, using estimate", slog.String("model", model), slog.Any("error", err))
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountTexts sums token counts across a batch of texts.
func (c *Counter) CountTexts(texts []string, model string) int {
	total := 0
	for _, t := range texts {
		total += c.CountTokens(t, model)
	}
	return total
}
