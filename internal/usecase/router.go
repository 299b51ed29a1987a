// Package usecase contains the gateway's application services: provider
// routing, chat admission, job execution, embeddings, the post-reply ticket
// classifier and the audio/OCR flows.
package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
	"github.com/fairyhunter13/ai-gateway/internal/observability"
)

// ProviderRouter owns chat provider selection. Resolve applies the
// admission rules, Invoke the fallback law.
type ProviderRouter struct {
	// Providers in fixed order; fallback scans walk front to back.
	Providers     []domain.ChatProvider
	Default       string
	AllowOverride bool
}

// NewProviderRouter builds a router over the given providers. def names the
// primary used whenever a request does not (or may not) pick its own.
func NewProviderRouter(def string, allowOverride bool, providers ...domain.ChatProvider) ProviderRouter {
	return ProviderRouter{Providers: providers, Default: def, AllowOverride: allowOverride}
}

// Resolve maps a requested provider name to the one the job will carry. The
// request wins only when overrides are enabled and the named provider is
// registered with credentials; everything else coerces to the default.
// Unknown names are normal traffic, never an error.
func (r ProviderRouter) Resolve(requested string) string {
	if requested == "" || !r.AllowOverride {
		return r.Default
	}
	for _, p := range r.Providers {
		if p.Name() == requested && p.Configured() {
			return requested
		}
	}
	return r.Default
}

// Invoke calls the primary unconditionally, credentials or not, then gives
// the first other configured provider exactly one attempt. It returns the
// name of the provider that actually served the reply.
func (r ProviderRouter) Invoke(ctx domain.Context, primary string, req domain.ChatRequest) (domain.ChatResponse, string, error) {
	prim := r.byName(primary)
	if prim == nil {
		prim = r.byName(r.Default)
	}
	if prim == nil {
		return domain.ChatResponse{}, "", fmt.Errorf("%w: no chat providers registered", domain.ErrAllProvidersFailed)
	}

	log := observability.LoggerFromContext(ctx)
	resp, perr := prim.Invoke(ctx, req)
	if perr == nil {
		return resp, prim.Name(), nil
	}
	log.Warn("primary provider failed", slog.String("provider", prim.Name()), slog.Any("error", perr))

	for _, p := range r.Providers {
		if p.Name() == prim.Name() || !p.Configured() {
			continue
		}
		resp, ferr := p.Invoke(ctx, req)
		if ferr == nil {
			log.Info("fallback provider served", slog.String("provider", p.Name()))
			return resp, p.Name(), nil
		}
		return domain.ChatResponse{}, "", fmt.Errorf("%w: %s: %v; fallback %s: %v",
			domain.ErrAllProvidersFailed, prim.Name(), perr, p.Name(), ferr)
	}
	return domain.ChatResponse{}, "", fmt.Errorf("%w: %s: %v; no configured fallback",
		domain.ErrAllProvidersFailed, prim.Name(), perr)
}

func (r ProviderRouter) byName(name string) domain.ChatProvider {
	for _, p := range r.Providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}
