package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultPricingYAML []byte

// ProviderRates holds per-token USD prices for one provider.
type ProviderRates struct {
	ChatInputPerToken  float64 `yaml:"chat_input_per_token"`
	ChatOutputPerToken float64 `yaml:"chat_output_per_token"`
	EmbeddingPerToken  float64 `yaml:"embedding_per_token"`
}

// Pricing holds the credit table (per query type) and the per-provider cost
// table. The shipped defaults are embedded; a deployment may point
// PRICING_CONFIG_PATH at an override file.
type Pricing struct {
	Credits   map[string]float64       `yaml:"credits"`
	Providers map[string]ProviderRates `yaml:"providers"`
}

// LoadPricing parses the pricing tables from path, or from the embedded
// defaults when path is empty.
func LoadPricing(path string) (Pricing, error) {
	raw := defaultPricingYAML
	if path != "" {
		b, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
		if err != nil {
			return Pricing{}, fmt.Errorf("op=config.LoadPricing: %w", err)
		}
		raw = b
	}
	var p Pricing
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Pricing{}, fmt.Errorf("op=config.LoadPricing: %w", err)
	}
	if len(p.Credits) == 0 || len(p.Providers) == 0 {
		return Pricing{}, fmt.Errorf("op=config.LoadPricing: empty credit or provider table")
	}
	return p, nil
}

// CreditsFor returns the credit charge for a query type. Unknown types fall
// back to the basic_query rate.
func (p Pricing) CreditsFor(queryType string) float64 {
	if v, ok := p.Credits[queryType]; ok {
		return v
	}
	return p.Credits["basic_query"]
}

// ChatCostUSD prices a chat call for a provider. Providers without a rate
// entry cost zero.
func (p Pricing) ChatCostUSD(provider string, promptTokens, completionTokens int) float64 {
	r, ok := p.Providers[provider]
	if !ok {
		return 0
	}
	return float64(promptTokens)*r.ChatInputPerToken + float64(completionTokens)*r.ChatOutputPerToken
}

// EmbeddingCostUSD prices an embedding call for a provider.
func (p Pricing) EmbeddingCostUSD(provider string, tokens int) float64 {
	r, ok := p.Providers[provider]
	if !ok {
		return 0
	}
	return float64(tokens) * r.EmbeddingPerToken
}
