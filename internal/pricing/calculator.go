package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"

	"github.com/cobaltops/opscenter/internal/credits"
)

var ErrInvalidTokens = errors.New("pricing: tokens must be non-negative")

// MarkupStore looks up the markup percentage for a subscription tier.
// ErrTierNotFound means the tier has no override row; any other error
// is an infrastructure failure.
type MarkupStore interface {
	GetMarkupPct(ctx context.Context, tier string) (float64, error)
}

// ErrTierNotFound is returned by MarkupStore implementations when no
// override exists for a tier.
var ErrTierNotFound = errors.New("pricing: tier not found")

// Calculator computes credit costs. It is safe for concurrent use and,
// given a fixed pricing snapshot, a pure function of its inputs.
type Calculator struct {
	markups MarkupStore // nil = static markups only
	logger  *slog.Logger
}

// NewCalculator creates a calculator. markups may be nil, in which case
// only the static markup table is consulted.
func NewCalculator(markups MarkupStore, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{markups: markups, logger: logger}
}

// Cost returns the credit cost for a usage event as a decimal string
// rounded to 6 decimal places. Pricing-table misses never fail the
// call; they resolve to defaults and are counted on the fallback
// metric. Only invalid input produces an error.
func (c *Calculator) Cost(ctx context.Context, tokensUsed int64, model string, level PowerLevel, tier string) (string, error) {
	if tokensUsed < 0 {
		return "", ErrInvalidTokens
	}

	basePer1K, exact := BasePricePer1K(model)
	if !exact {
		fallbacksTotal.WithLabelValues("model_price").Inc()
	}

	markupPct := c.resolveMarkup(ctx, tier)

	cost := float64(tokensUsed) / 1000.0 * basePer1K * level.Multiplier() * (1 + markupPct/100)

	// Round to 6 decimal places via the smallest credit unit.
	units := int64(math.Round(cost * credits.UnitsPerCredit))
	return credits.Format(big.NewInt(units)), nil
}

// resolveMarkup queries the markup store and falls back to the static
// table on a miss or on any query failure. The fallback is deliberate
// (availability over freshness) but never silent.
func (c *Calculator) resolveMarkup(ctx context.Context, tier string) float64 {
	if c.markups == nil {
		return fallbackMarkup(tier)
	}

	pct, err := c.markups.GetMarkupPct(ctx, tier)
	switch {
	case err == nil:
		return pct
	case errors.Is(err, ErrTierNotFound):
		fallbacksTotal.WithLabelValues("markup_missing").Inc()
		return fallbackMarkup(tier)
	default:
		fallbacksTotal.WithLabelValues("markup_query_error").Inc()
		c.logger.Warn("tier markup lookup failed, using static markup",
			"tier", tier,
			"error", err,
		)
		return fallbackMarkup(tier)
	}
}
