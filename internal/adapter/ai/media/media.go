// Package media downloads remote request attachments (images for Gemini
// inlining, audio for transcription) and sniffs their MIME types. Provider
// chat calls never retry; these fetches do, with a bounded backoff.
package media

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// Fetcher downloads media with retry and a hard per-request timeout.
type Fetcher struct {
	hc          *http.Client
	initial     time.Duration
	maxInterval time.Duration
	retries     uint64
}

// NewFetcher builds a fetcher from the media timing in cfg.
func NewFetcher(cfg config.Config) *Fetcher {
	initial, maxInterval, retries := cfg.MediaBackoff()
	return &Fetcher{
		hc:          &http.Client{Timeout: cfg.MediaFetchTimeout},
		initial:     initial,
		maxInterval: maxInterval,
		retries:     retries,
	}
}

// Fetch downloads url and returns the bytes plus the sniffed MIME type.
// 5xx and transport errors are retried; 4xx fail immediately.
func (f *Fetcher) Fetch(ctx domain.Context, url string) ([]byte, string, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("media status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("media status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.initial
	expo.MaxInterval = f.maxInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, f.retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		slog.Warn("media fetch failed", slog.String("url", url), slog.Any("error", err))
		return nil, "", fmt.Errorf("op=media.Fetch: %w", err)
	}
	return body, mimetype.Detect(body).String(), nil
}

// SniffBase64 decodes a base64 payload and sniffs its MIME type. The input
// may carry a data-URL prefix, which is stripped first.
func SniffBase64(data string) ([]byte, string, error) {
	if strings.HasPrefix(data, "data:") {
		if _, rest, ok := ParseDataURL(data); ok {
			data = rest
		}
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("op=media.SniffBase64: %w", err)
	}
	return raw, mimetype.Detect(raw).String(), nil
}

// DataURL renders bytes as a data URL with the sniffed MIME type.
func DataURL(raw []byte) string {
	return "data:" + mimetype.Detect(raw).String() + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// ParseDataURL splits a data URL into its MIME type and base64 payload.
func ParseDataURL(s string) (mime, data string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(s, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

// IsDataURL reports whether s is an inline data URL rather than a remote one.
func IsDataURL(s string) bool { return strings.HasPrefix(s, "data:") }
