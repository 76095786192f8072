package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionForCountry(t *testing.T) {
	cases := map[string]string{
		"GB": RegionUK,
		"uk": RegionUK,
		"IE": RegionIE,
		"ZA": RegionSA,
		"DE": RegionEU,
		"fr": RegionEU,
		"US": RegionROW,
		"":   RegionROW,
		"XX": RegionROW,
	}
	for country, want := range cases {
		assert.Equal(t, want, RegionForCountry(country), "country %q", country)
	}
}

func TestStandardVATRoundsPerItem(t *testing.T) {
	context := map[string]any{
		"user": map[string]any{"home_country": "GB"},
		"cart": map[string]any{
			"items": []any{
				map[string]any{"id": "a", "actual_price": "19.99"},
				map[string]any{"id": "b", "actual_price": "0.01", "quantity": 3},
			},
		},
	}

	result, err := calculateStandardVAT(context)
	require.NoError(t, err)

	require.Len(t, result.Items, 2)
	assert.Equal(t, "19.99", result.Items[0].Net)
	assert.Equal(t, "4.00", result.Items[0].VATAmount) // 3.998 rounds half-up
	assert.Equal(t, "0.03", result.Items[1].Net)
	assert.Equal(t, "0.01", result.Items[1].VATAmount)
	assert.Equal(t, "20.02", result.Totals.Net)
	assert.Equal(t, "4.01", result.Totals.VAT)
	assert.Equal(t, "24.03", result.Totals.Gross)
}

func TestZeroVATKeepsRegion(t *testing.T) {
	context := map[string]any{
		"user": map[string]any{"home_country": "DE"},
		"cart": map[string]any{
			"items": []any{
				map[string]any{"id": "ebook", "actual_price": "45.00"},
			},
		},
	}

	result, err := calculateZeroVAT(context)
	require.NoError(t, err)
	assert.Equal(t, RegionEU, result.Region)
	assert.Equal(t, "0.00", result.Totals.VAT)
	assert.Equal(t, "45.00", result.Totals.Gross)
}

func TestBreakdownErrors(t *testing.T) {
	cases := []struct {
		name    string
		context map[string]any
	}{
		{"missing items", map[string]any{"cart": map[string]any{}}},
		{"items not a list", map[string]any{"cart": map[string]any{"items": 7.0}}},
		{"item not an object", map[string]any{"cart": map[string]any{"items": []any{"x"}}}},
		{"item without price", map[string]any{"cart": map[string]any{"items": []any{map[string]any{"id": "a"}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := itemBreakdown(tc.context, RegionUK, regionRates[RegionUK])
			assert.Error(t, err)
		})
	}
}

func TestFallbackRecoversReadableItems(t *testing.T) {
	context := map[string]any{
		"cart": map[string]any{
			"items": []any{
				map[string]any{"id": "good", "actual_price": "10.00"},
				map[string]any{"id": "bad"},
			},
		},
	}

	result := fallbackVAT(context)
	assert.True(t, result.Fallback)
	assert.Equal(t, RegionROW, result.Region)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "10.00", result.Totals.Net)
	assert.Equal(t, "0.00", result.Totals.VAT)
	assert.Equal(t, "10.00", result.Totals.Gross)
}

func TestVATFunctionRegistryIsClosed(t *testing.T) {
	_, ok := VATFunction("calculate_standard_vat")
	assert.True(t, ok)
	_, ok = VATFunction("calculate_zero_vat")
	assert.True(t, ok)
	_, ok = VATFunction("calculate_custom_vat")
	assert.False(t, ok)
}
