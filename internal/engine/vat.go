package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/eugenelo428937/Admin3-sub006/internal/jsonlogic"
)

// VAT regions. Derived from the customer's home country; rates live in the
// region table so accounting changes are data edits, not code.
const (
	RegionUK  = "UK"
	RegionIE  = "IE"
	RegionEU  = "EU"
	RegionSA  = "SA"
	RegionROW = "ROW"
)

var regionRates = map[string]decimal.Decimal{
	RegionUK:  decimal.NewFromFloat(0.20),
	RegionIE:  decimal.NewFromFloat(0.23),
	RegionSA:  decimal.NewFromFloat(0.15),
	RegionEU:  decimal.Zero, // reverse charge at checkout
	RegionROW: decimal.Zero,
}

var euCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IT": true, "LV": true, "LT": true, "LU": true, "MT": true,
	"NL": true, "PL": true, "PT": true, "RO": true, "SK": true, "SI": true,
	"ES": true, "SE": true,
}

// RegionForCountry maps an ISO country code to a VAT region.
func RegionForCountry(country string) string {
	switch c := strings.ToUpper(strings.TrimSpace(country)); {
	case c == "GB" || c == "UK":
		return RegionUK
	case c == "IE":
		return RegionIE
	case c == "ZA":
		return RegionSA
	case euCountries[c]:
		return RegionEU
	default:
		return RegionROW
	}
}

// VATItem is the per-item VAT breakdown. Amounts are 2-dp decimal strings.
type VATItem struct {
	ItemID    string `json:"item_id,omitempty"`
	Net       string `json:"net_amount"`
	VATRate   string `json:"vat_rate"`
	VATAmount string `json:"vat_amount"`
	Gross     string `json:"gross_amount"`
	Region    string `json:"region"`
}

// VATTotals aggregates the item breakdowns. net + vat == gross to the cent.
type VATTotals struct {
	Net    string `json:"net"`
	VAT    string `json:"vat"`
	Gross  string `json:"gross"`
	Rate   string `json:"rate"`
	Region string `json:"region"`
}

// VATResult is the outcome of a calculate_vat action.
type VATResult struct {
	Totals   VATTotals `json:"totals"`
	Items    []VATItem `json:"items"`
	Region   string    `json:"region"`
	Fallback bool      `json:"fallback,omitempty"`
}

// VATFunc computes a VAT breakdown over the execution context.
type VATFunc func(context map[string]any) (*VATResult, error)

// vatFunctions is the fixed registry the calculate_vat action dispatches
// into, keyed by parameters.function.
var vatFunctions = map[string]VATFunc{
	"calculate_standard_vat": calculateStandardVAT,
	"calculate_zero_vat":     calculateZeroVAT,
}

// VATFunction looks up a registered VAT function by name.
func VATFunction(name string) (VATFunc, bool) {
	fn, ok := vatFunctions[name]
	return fn, ok
}

// calculateStandardVAT applies the region rate of the customer's home
// country to every cart item.
func calculateStandardVAT(context map[string]any) (*VATResult, error) {
	country, _ := jsonlogic.ResolvePath(context, "user.home_country")
	countryStr, _ := country.(string)
	region := RegionForCountry(countryStr)
	return itemBreakdown(context, region, regionRates[region])
}

// calculateZeroVAT keeps the customer's region but applies a zero rate, for
// zero-rated product mixes.
func calculateZeroVAT(context map[string]any) (*VATResult, error) {
	country, _ := jsonlogic.ResolvePath(context, "user.home_country")
	countryStr, _ := country.(string)
	return itemBreakdown(context, RegionForCountry(countryStr), decimal.Zero)
}

func itemBreakdown(context map[string]any, region string, rate decimal.Decimal) (*VATResult, error) {
	rawItems, ok := jsonlogic.ResolvePath(context, "cart.items")
	if !ok {
		return nil, fmt.Errorf("cart.items missing from context")
	}
	items, ok := rawItems.([]any)
	if !ok {
		return nil, fmt.Errorf("cart.items is not a list")
	}

	result := &VATResult{Region: region, Items: make([]VATItem, 0, len(items))}
	totalNet, totalVAT := decimal.Zero, decimal.Zero

	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cart.items[%d] is not an object", i)
		}

		net, err := itemNet(item)
		if err != nil {
			return nil, fmt.Errorf("cart.items[%d]: %w", i, err)
		}

		vat := net.Mul(rate).Round(2)
		gross := net.Add(vat)
		totalNet = totalNet.Add(net)
		totalVAT = totalVAT.Add(vat)

		breakdown := VATItem{
			ItemID:    itemID(item),
			Net:       net.StringFixed(2),
			VATRate:   rate.String(),
			VATAmount: vat.StringFixed(2),
			Gross:     gross.StringFixed(2),
			Region:    region,
		}
		result.Items = append(result.Items, breakdown)

		// Per-item VAT fields written back onto the caller's item maps.
		item["net_amount"] = breakdown.Net
		item["vat_rate"] = breakdown.VATRate
		item["vat_amount"] = breakdown.VATAmount
		item["gross_amount"] = breakdown.Gross
		item["vat_region"] = region
	}

	result.Totals = VATTotals{
		Net:    totalNet.StringFixed(2),
		VAT:    totalVAT.StringFixed(2),
		Gross:  totalNet.Add(totalVAT).StringFixed(2),
		Rate:   rate.String(),
		Region: region,
	}
	return result, nil
}

// fallbackVAT is the degraded result applied when a VAT function fails:
// region ROW, zero rate, totals over whatever net amounts are recoverable.
func fallbackVAT(context map[string]any) *VATResult {
	result := &VATResult{Region: RegionROW, Fallback: true, Items: []VATItem{}}
	totalNet := decimal.Zero

	if rawItems, ok := jsonlogic.ResolvePath(context, "cart.items"); ok {
		if items, ok := rawItems.([]any); ok {
			for _, raw := range items {
				item, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				net, err := itemNet(item)
				if err != nil {
					continue
				}
				totalNet = totalNet.Add(net)
				result.Items = append(result.Items, VATItem{
					ItemID:    itemID(item),
					Net:       net.StringFixed(2),
					VATRate:   "0",
					VATAmount: "0.00",
					Gross:     net.StringFixed(2),
					Region:    RegionROW,
				})
			}
		}
	}

	result.Totals = VATTotals{
		Net:    totalNet.StringFixed(2),
		VAT:    "0.00",
		Gross:  totalNet.StringFixed(2),
		Rate:   "0",
		Region: RegionROW,
	}
	return result
}

// itemNet computes an item's net amount. Unit-price fields are multiplied
// by quantity (default 1). net_amount is already a line total, written back
// by a previous calculation, so it never gets multiplied again; using it as
// a last resort keeps recomputation on an unchanged cart stable.
func itemNet(item map[string]any) (decimal.Decimal, error) {
	for _, key := range []string{"actual_price", "price"} {
		raw, ok := item[key]
		if !ok {
			continue
		}
		price, err := toDecimal(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		qty := decimal.NewFromInt(1)
		if rawQty, ok := item["quantity"]; ok {
			qty, err = toDecimal(rawQty)
			if err != nil {
				return decimal.Zero, fmt.Errorf("quantity: %w", err)
			}
		}
		return price.Mul(qty).Round(2), nil
	}

	if raw, ok := item["net_amount"]; ok {
		net, err := toDecimal(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("net_amount: %w", err)
		}
		return net.Round(2), nil
	}

	return decimal.Zero, fmt.Errorf("no price field among [actual_price price net_amount]")
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		return decimal.NewFromString(t)
	default:
		return decimal.Zero, fmt.Errorf("not a numeric value: %T", v)
	}
}

func itemID(item map[string]any) string {
	switch id := item["id"].(type) {
	case string:
		return id
	case float64:
		return decimal.NewFromFloat(id).String()
	default:
		return ""
	}
}
