// Package pricing computes the credit cost of model usage.
//
// Cost = (tokens / 1000) * base_cost_per_1k * power_multiplier * (1 + markup%/100)
//
// Base prices resolve in three steps: exact model match, then the
// model's provider namespace prefix (e.g. "anthropic/"), then a global
// default. Tier markup comes from the subscription_tiers table when
// available and falls back to a static map otherwise. A pricing lookup
// must never fail a billable request; every fallback is logged and
// counted instead.
package pricing

import (
	"errors"
	"strings"
)

var ErrInvalidPowerLevel = errors.New("pricing: invalid power level")

// PowerLevel is the per-request quality/cost tier, independent of
// subscription tier.
type PowerLevel string

const (
	PowerEco       PowerLevel = "eco"
	PowerBalanced  PowerLevel = "balanced"
	PowerPrecision PowerLevel = "precision"
)

// powerMultipliers scale cost by power level. Precision runs allow
// pricier models and more tokens, so they are charged proportionally
// more even at equal token count.
var powerMultipliers = map[PowerLevel]float64{
	PowerEco:       0.1,
	PowerBalanced:  0.25,
	PowerPrecision: 1.0,
}

// ParsePowerLevel validates a raw power level string. Empty defaults
// to balanced.
func ParsePowerLevel(s string) (PowerLevel, error) {
	switch PowerLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return PowerBalanced, nil
	case PowerEco:
		return PowerEco, nil
	case PowerBalanced:
		return PowerBalanced, nil
	case PowerPrecision:
		return PowerPrecision, nil
	default:
		return "", ErrInvalidPowerLevel
	}
}

// Multiplier returns the cost multiplier for the power level.
func (p PowerLevel) Multiplier() float64 {
	if m, ok := powerMultipliers[p]; ok {
		return m
	}
	return powerMultipliers[PowerBalanced]
}

// DefaultBaseCostPer1K is the global fallback price in credits per
// 1000 tokens when neither the model nor its provider is priced.
const DefaultBaseCostPer1K = 0.01

// ModelPrices maps fully-qualified model names to credits per 1K tokens.
var ModelPrices = map[string]float64{
	"anthropic/claude-3-haiku":     0.004,
	"anthropic/claude-3-sonnet":    0.018,
	"anthropic/claude-3-opus":      0.09,
	"openrouter/mistral-7b":        0.001,
	"openrouter/mixtral-8x7b":      0.003,
	"openrouter/llama-3-70b":       0.005,
	"groq/llama-3-8b":              0.0005,
	"groq/llama-3-70b":             0.004,
	"openai/gpt-3.5-turbo":         0.002,
	"openai/gpt-4":                 0.06,
	"openai/gpt-4-turbo":           0.03,
	"together/qwen-72b":            0.004,
	"fireworks/firefunction-v1":    0.002,
}

// ProviderPrices maps provider namespaces to a representative credits
// per 1K tokens, used when a model has no exact price.
var ProviderPrices = map[string]float64{
	"anthropic":  0.02,
	"openrouter": 0.003,
	"groq":       0.002,
	"openai":     0.02,
	"together":   0.004,
	"fireworks":  0.002,
}

// DefaultTierMarkups is the static fallback markup percentage per
// subscription tier, used when the subscription_tiers table has no row
// for the tier or the lookup itself fails.
var DefaultTierMarkups = map[string]float64{
	"free":         0,
	"trial":        0,
	"starter":      10,
	"professional": 20,
	"enterprise":   30,
}

// DefaultMarkupPct applies to tiers absent from DefaultTierMarkups.
const DefaultMarkupPct = 15

// BasePricePer1K resolves the base price for a model: exact match,
// provider prefix, then the global default. The bool reports whether
// the price came from an exact model match.
func BasePricePer1K(model string) (price float64, exact bool) {
	if p, ok := ModelPrices[model]; ok {
		return p, true
	}
	if idx := strings.Index(model, "/"); idx > 0 {
		if p, ok := ProviderPrices[model[:idx]]; ok {
			return p, false
		}
	}
	return DefaultBaseCostPer1K, false
}

// fallbackMarkup resolves the static markup for a tier.
func fallbackMarkup(tier string) float64 {
	if pct, ok := DefaultTierMarkups[strings.ToLower(tier)]; ok {
		return pct
	}
	return DefaultMarkupPct
}
