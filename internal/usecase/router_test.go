package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

func TestResolveCoercesWhenOverrideDisabled(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)

	require.Equal(t, domain.ProviderOpenAI, r.Resolve(domain.ProviderGemini))
	require.Equal(t, domain.ProviderOpenAI, r.Resolve(""))
}

func TestResolveHonorsConfiguredOverride(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true}
	r := NewProviderRouter(domain.ProviderOpenAI, true, openai, gemini)

	require.Equal(t, domain.ProviderGemini, r.Resolve(domain.ProviderGemini))
}

func TestResolveCoercesUnknownAndUnconfigured(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: false}
	r := NewProviderRouter(domain.ProviderOpenAI, true, openai, gemini)

	require.Equal(t, domain.ProviderOpenAI, r.Resolve("claude"))
	require.Equal(t, domain.ProviderOpenAI, r.Resolve(domain.ProviderGemini))
}

func TestInvokePrimaryServes(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true, reply: "hello"}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true, reply: "unused"}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)

	resp, served, err := r.Invoke(context.Background(), domain.ProviderOpenAI, domain.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, domain.ProviderOpenAI, served)
	require.Equal(t, "hello", resp.Choices[0].Message.Text())
	require.Equal(t, 1, openai.callCount())
	require.Zero(t, gemini.callCount())
}

func TestInvokeFallsBackExactlyOnce(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true, err: fmt.Errorf("%w: 500", domain.ErrProviderFailure)}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true, reply: "saved"}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)

	resp, served, err := r.Invoke(context.Background(), domain.ProviderOpenAI, domain.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, domain.ProviderGemini, served)
	require.Equal(t, "saved", resp.Choices[0].Message.Text())
	require.Equal(t, 1, openai.callCount())
	require.Equal(t, 1, gemini.callCount())
}

func TestInvokeUnconfiguredPrimaryStillCalled(t *testing.T) {
	// Credentials are only consulted when picking a fallback; the primary is
	// always attempted and surfaces its own auth failure.
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: false, err: fmt.Errorf("%w: 401", domain.ErrProviderFailure)}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true, reply: "fallback"}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)

	_, served, err := r.Invoke(context.Background(), domain.ProviderOpenAI, domain.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, domain.ProviderGemini, served)
	require.Equal(t, 1, openai.callCount())
}

func TestInvokeSkipsUnconfiguredFallback(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true, err: errors.New("boom")}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: false, reply: "never"}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)

	_, _, err := r.Invoke(context.Background(), domain.ProviderOpenAI, domain.ChatRequest{})
	require.True(t, errors.Is(err, domain.ErrAllProvidersFailed))
	require.Zero(t, gemini.callCount())
}

func TestInvokeBothFailedIsAllProvidersFailed(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true, err: errors.New("primary down")}
	gemini := &fakeProvider{name: domain.ProviderGemini, configured: true, err: errors.New("fallback down")}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai, gemini)

	_, _, err := r.Invoke(context.Background(), domain.ProviderOpenAI, domain.ChatRequest{})
	require.True(t, errors.Is(err, domain.ErrAllProvidersFailed))
	require.Contains(t, err.Error(), "primary down")
	require.Contains(t, err.Error(), "fallback down")
	require.Equal(t, 1, openai.callCount())
	require.Equal(t, 1, gemini.callCount())
}

func TestInvokeUnknownPrimaryFallsToDefault(t *testing.T) {
	openai := &fakeProvider{name: domain.ProviderOpenAI, configured: true, reply: "ok"}
	r := NewProviderRouter(domain.ProviderOpenAI, false, openai)

	_, served, err := r.Invoke(context.Background(), "claude", domain.ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, domain.ProviderOpenAI, served)
}
