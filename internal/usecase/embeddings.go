package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/observability"
)

// EmbedInput is the admission-time view of an embeddings request.
type EmbedInput struct {
	Texts          []string
	Provider       string
	OrganizationID string
}

// EmbeddingService serves embeddings synchronously; there is no queue in
// this path. Provider selection mirrors the chat rules with its own default.
type EmbeddingService struct {
	Providers     []domain.EmbeddingProvider
	Default       string
	AllowOverride bool
	Pricing       config.Pricing
	Ledger        domain.UsageLedger // optional
}

// NewEmbeddingService builds the embeddings path over the given providers.
func NewEmbeddingService(def string, allowOverride bool, pricing config.Pricing, ledger domain.UsageLedger, providers ...domain.EmbeddingProvider) EmbeddingService {
	return EmbeddingService{Providers: providers, Default: def, AllowOverride: allowOverride, Pricing: pricing, Ledger: ledger}
}

// Embed resolves the provider, calls it, and gives the first other
// configured provider one attempt on failure.
func (s EmbeddingService) Embed(ctx domain.Context, in EmbedInput) (domain.EmbedResponse, error) {
	if len(in.Texts) == 0 {
		return domain.EmbedResponse{}, fmt.Errorf("%w: texts required", domain.ErrInvalidArgument)
	}
	tenant := strings.TrimSpace(in.OrganizationID)
	if tenant == "" {
		tenant = domain.DefaultTenant
	}

	started := time.Now()
	resp, served, err := s.invoke(ctx, s.resolve(in.Provider), in.Texts)
	if err != nil {
		return domain.EmbedResponse{}, err
	}

	credits := s.Pricing.CreditsFor(domain.QueryTypeEmbed)
	cost := s.Pricing.EmbeddingCostUSD(served, resp.Usage.PromptTokens)
	resp.Metadata = &domain.EmbedMetadata{
		RequestID:      observability.RequestIDFromContext(ctx),
		Provider:       served,
		CreditsUsed:    credits,
		ResponseTimeMS: time.Since(started).Milliseconds(),
		CostUSD:        cost,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if s.Ledger != nil {
		rec := domain.UsageRecord{
			RequestID:    resp.Metadata.RequestID,
			Tenant:       tenant,
			Provider:     served,
			Operation:    "embeddings",
			QueryType:    domain.QueryTypeEmbed,
			Credits:      credits,
			PromptTokens: resp.Usage.PromptTokens,
			CostUSD:      cost,
		}
		if lerr := s.Ledger.Record(ctx, rec); lerr != nil {
			observability.LoggerFromContext(ctx).Error("usage record failed",
				slog.String("operation", "embeddings"), slog.Any("error", lerr))
		}
	}
	return resp, nil
}

func (s EmbeddingService) resolve(requested string) string {
	if requested == "" || !s.AllowOverride {
		return s.Default
	}
	for _, p := range s.Providers {
		if p.Name() == requested && p.Configured() {
			return requested
		}
	}
	return s.Default
}

func (s EmbeddingService) invoke(ctx domain.Context, primary string, texts []string) (domain.EmbedResponse, string, error) {
	prim := s.byName(primary)
	if prim == nil {
		prim = s.byName(s.Default)
	}
	if prim == nil {
		return domain.EmbedResponse{}, "", fmt.Errorf("%w: no embedding providers registered", domain.ErrAllProvidersFailed)
	}

	resp, perr := prim.Embed(ctx, texts)
	if perr == nil {
		return resp, prim.Name(), nil
	}
	observability.LoggerFromContext(ctx).Warn("primary embedding provider failed",
		slog.String("provider", prim.Name()), slog.Any("error", perr))

	for _, p := range s.Providers {
		if p.Name() == prim.Name() || !p.Configured() {
			continue
		}
		resp, ferr := p.Embed(ctx, texts)
		if ferr == nil {
			return resp, p.Name(), nil
		}
		return domain.EmbedResponse{}, "", fmt.Errorf("%w: %s: %v; fallback %s: %v",
			domain.ErrAllProvidersFailed, prim.Name(), perr, p.Name(), ferr)
	}
	return domain.EmbedResponse{}, "", fmt.Errorf("%w: %s: %v; no configured fallback",
		domain.ErrAllProvidersFailed, prim.Name(), perr)
}

func (s EmbeddingService) byName(name string) domain.EmbeddingProvider {
	for _, p := range s.Providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}
