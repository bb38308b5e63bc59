package pricing

import (
	"context"
	"errors"
	"testing"
)

func TestParsePowerLevel(t *testing.T) {
	tests := []struct {
		input string
		want  PowerLevel
		err   bool
	}{
		{"eco", PowerEco, false},
		{"balanced", PowerBalanced, false},
		{"precision", PowerPrecision, false},
		{"  Precision ", PowerPrecision, false},
		{"", PowerBalanced, false},
		{"turbo", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePowerLevel(tt.input)
		if tt.err {
			if err == nil {
				t.Errorf("ParsePowerLevel(%q) should fail", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePowerLevel(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePowerLevel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBasePricePer1K(t *testing.T) {
	// Exact model match
	price, exact := BasePricePer1K("anthropic/claude-3-opus")
	if !exact || price != 0.09 {
		t.Errorf("exact match = %v, %v", price, exact)
	}

	// Provider prefix fallback
	price, exact = BasePricePer1K("anthropic/claude-99")
	if exact || price != 0.02 {
		t.Errorf("provider fallback = %v, %v", price, exact)
	}

	// Global default
	price, exact = BasePricePer1K("unknownlab/model-x")
	if exact || price != DefaultBaseCostPer1K {
		t.Errorf("global default = %v, %v", price, exact)
	}
}

func TestCost_KnownModel(t *testing.T) {
	calc := NewCalculator(nil, nil)
	ctx := context.Background()

	// 1000 tokens of gpt-3.5 (0.002/1K) at precision (x1.0), free tier (0%)
	cost, err := calc.Cost(ctx, 1000, "openai/gpt-3.5-turbo", PowerPrecision, "free")
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != "0.002000" {
		t.Errorf("cost = %q, want 0.002000", cost)
	}
}

func TestCost_PowerMultiplier(t *testing.T) {
	calc := NewCalculator(nil, nil)
	ctx := context.Background()

	// Same tokens, eco is a tenth of precision.
	precision, _ := calc.Cost(ctx, 2000, "openai/gpt-4", PowerPrecision, "free")
	eco, _ := calc.Cost(ctx, 2000, "openai/gpt-4", PowerEco, "free")
	if precision != "0.120000" {
		t.Errorf("precision cost = %q, want 0.120000", precision)
	}
	if eco != "0.012000" {
		t.Errorf("eco cost = %q, want 0.012000", eco)
	}
}

func TestCost_TierMarkup(t *testing.T) {
	calc := NewCalculator(nil, nil)
	ctx := context.Background()

	// professional adds 20% from the static table
	cost, err := calc.Cost(ctx, 1000, "openai/gpt-3.5-turbo", PowerPrecision, "professional")
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != "0.002400" {
		t.Errorf("cost = %q, want 0.002400", cost)
	}
}

func TestCost_MarkupOverride(t *testing.T) {
	markups := NewMemoryMarkupStore()
	markups.Set("professional", 50)
	calc := NewCalculator(markups, nil)

	cost, err := calc.Cost(context.Background(), 1000, "openai/gpt-3.5-turbo", PowerPrecision, "professional")
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != "0.003000" {
		t.Errorf("override cost = %q, want 0.003000", cost)
	}
}

// failingMarkupStore simulates an unavailable subscription_tiers table.
type failingMarkupStore struct{}

func (failingMarkupStore) GetMarkupPct(ctx context.Context, tier string) (float64, error) {
	return 0, errors.New("connection refused")
}

func TestCost_MarkupQueryFailureFallsBack(t *testing.T) {
	calc := NewCalculator(failingMarkupStore{}, nil)

	// A markup lookup failure must never block billing; the static
	// professional markup (20%) applies.
	cost, err := calc.Cost(context.Background(), 1000, "openai/gpt-3.5-turbo", PowerPrecision, "professional")
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != "0.002400" {
		t.Errorf("fallback cost = %q, want 0.002400", cost)
	}
}

func TestCost_UnknownTierUsesDefaultMarkup(t *testing.T) {
	calc := NewCalculator(nil, nil)

	// 15% default markup for unrecognized tiers
	cost, err := calc.Cost(context.Background(), 1000, "openai/gpt-3.5-turbo", PowerPrecision, "platinum")
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != "0.002300" {
		t.Errorf("cost = %q, want 0.002300", cost)
	}
}

func TestCost_ZeroTokens(t *testing.T) {
	calc := NewCalculator(nil, nil)
	cost, err := calc.Cost(context.Background(), 0, "openai/gpt-4", PowerPrecision, "free")
	if err != nil {
		t.Fatalf("Cost failed: %v", err)
	}
	if cost != "0.000000" {
		t.Errorf("zero tokens cost = %q", cost)
	}
}

func TestCost_NegativeTokens(t *testing.T) {
	calc := NewCalculator(nil, nil)
	if _, err := calc.Cost(context.Background(), -1, "openai/gpt-4", PowerPrecision, "free"); err == nil {
		t.Error("negative tokens should fail")
	}
}

func TestCost_Deterministic(t *testing.T) {
	calc := NewCalculator(nil, nil)
	ctx := context.Background()

	first, _ := calc.Cost(ctx, 123457, "groq/llama-3-70b", PowerBalanced, "starter")
	for i := 0; i < 10; i++ {
		again, _ := calc.Cost(ctx, 123457, "groq/llama-3-70b", PowerBalanced, "starter")
		if again != first {
			t.Fatalf("cost not deterministic: %q vs %q", first, again)
		}
	}
}
