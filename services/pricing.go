package services

import (
	"fmt"
	"strings"

	"creator-payment-system/config"
	"creator-payment-system/models"

	"github.com/shopspring/decimal"
)

type FeeKind string

const (
	FeeKindFee   FeeKind = "fee"
	FeeKindCost  FeeKind = "cost"
	FeeKindTotal FeeKind = "total"
)

// FeeLine is one row of a quote's breakdown
type FeeLine struct {
	Label  string          `json:"label"`
	Amount decimal.Decimal `json:"amount"`
	Kind   FeeKind         `json:"kind"`
}

// PriceQuote is computed per request and never persisted
type PriceQuote struct {
	ReferenceAmount decimal.Decimal     `json:"reference_amount"`
	Asset           models.PaymentAsset `json:"asset"`
	ComputedAmount  decimal.Decimal     `json:"computed_amount"`
	FeeBreakdown    []FeeLine           `json:"fee_breakdown"`
}

// Cost returns the cost line of the quote
func (q *PriceQuote) Cost() decimal.Decimal {
	for _, l := range q.FeeBreakdown {
		if l.Kind == FeeKindCost {
			return l.Amount
		}
	}
	return decimal.Zero
}

// Fees returns the sum of the fee lines
func (q *PriceQuote) Fees() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range q.FeeBreakdown {
		if l.Kind == FeeKindFee {
			sum = sum.Add(l.Amount)
		}
	}
	return sum
}

// FeeSchedule holds the fixed add-ons of one asset kind
type FeeSchedule struct {
	BaseFee     decimal.Decimal
	PlatformFee decimal.Decimal
}

// AssetTerms is everything the oracle needs to price one asset
type AssetTerms struct {
	Rate     decimal.Decimal
	Fees     FeeSchedule
	Decimals int32
}

// QuotePrice converts a reference price into a quote for asset. For the platform asset the
// converted amount is the total and already contains the fees; for other assets the fees
// are added on top of the converted cost.
func QuotePrice(reference decimal.Decimal, asset models.PaymentAsset, terms AssetTerms) (*PriceQuote, error) {
	if err := asset.Validate(); err != nil {
		return nil, wrapError(ErrCodeInvalidAsset, asset.String(), err)
	}
	if !reference.IsPositive() {
		return nil, newError(ErrCodeInvalidAmount, fmt.Sprintf("reference amount must be positive, got %s", reference))
	}
	if !terms.Rate.IsPositive() {
		return nil, newError(ErrCodeInvalidAsset, fmt.Sprintf("no rate for %s", asset))
	}

	fees := terms.Fees.BaseFee.Add(terms.Fees.PlatformFee)
	converted := reference.Mul(terms.Rate).Round(terms.Decimals)

	var cost, total decimal.Decimal
	if asset.Kind == models.AssetKindPlatform {
		total = converted
		cost = total.Sub(fees)
	} else {
		cost = converted
		total = cost.Add(fees)
	}
	if !cost.IsPositive() {
		return nil, newError(ErrCodeInvalidAmount, fmt.Sprintf("cost %s does not cover fees %s", cost, fees))
	}

	lines := []FeeLine{{Label: "cost", Amount: cost, Kind: FeeKindCost}}
	if !terms.Fees.BaseFee.IsZero() {
		lines = append(lines, FeeLine{Label: "base fee", Amount: terms.Fees.BaseFee, Kind: FeeKindFee})
	}
	if !terms.Fees.PlatformFee.IsZero() {
		lines = append(lines, FeeLine{Label: "platform fee", Amount: terms.Fees.PlatformFee, Kind: FeeKindFee})
	}
	lines = append(lines, FeeLine{Label: "total", Amount: total, Kind: FeeKindTotal})

	return &PriceQuote{
		ReferenceAmount: reference,
		Asset:           asset,
		ComputedAmount:  total,
		FeeBreakdown:    lines,
	}, nil
}

// RateSource resolves the pricing terms of an asset
type RateSource interface {
	Terms(asset models.PaymentAsset) (AssetTerms, error)
}

// StaticRates is a RateSource backed by a fixed table keyed by PaymentAsset.Key
type StaticRates map[string]AssetTerms

func (r StaticRates) Terms(asset models.PaymentAsset) (AssetTerms, error) {
	terms, ok := r[asset.Key()]
	if !ok {
		return AssetTerms{}, newError(ErrCodeInvalidAsset, fmt.Sprintf("unsupported asset %s", asset))
	}
	return terms, nil
}

// NewStaticRates builds the rate table from configuration
func NewStaticRates(pricing config.PricingConfig, ledgerCfg config.LedgerConfig) (StaticRates, error) {
	parse := func(field, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, v, err)
		}
		return d, nil
	}
	fees := func(kind models.AssetKind) (FeeSchedule, error) {
		fc := pricing.Fees[string(kind)]
		base, err := parse("base_fee", fc.BaseFee)
		if err != nil {
			return FeeSchedule{}, err
		}
		platform, err := parse("platform_fee", fc.PlatformFee)
		if err != nil {
			return FeeSchedule{}, err
		}
		return FeeSchedule{BaseFee: base, PlatformFee: platform}, nil
	}

	rates := StaticRates{}

	platformRate, err := parse("platform_rate", pricing.PlatformRate)
	if err != nil {
		return nil, err
	}
	platformFees, err := fees(models.AssetKindPlatform)
	if err != nil {
		return nil, err
	}
	rates[models.PlatformAsset().Key()] = AssetTerms{Rate: platformRate, Fees: platformFees, Decimals: ledgerCfg.PlatformDecimals}

	nativeRate, err := parse("native_rate", pricing.NativeRate)
	if err != nil {
		return nil, err
	}
	nativeFees, err := fees(models.AssetKindNative)
	if err != nil {
		return nil, err
	}
	rates[models.NativeAsset().Key()] = AssetTerms{Rate: nativeRate, Fees: nativeFees, Decimals: ledgerCfg.NativeDecimals}

	stableFees, err := fees(models.AssetKindStable)
	if err != nil {
		return nil, err
	}
	stableDecimals := make(map[string]int32, len(ledgerCfg.StableDecimals))
	for code, d := range ledgerCfg.StableDecimals {
		stableDecimals[strings.ToUpper(code)] = d
	}
	for code, v := range pricing.StableRates {
		rate, err := parse("stable_rates."+code, v)
		if err != nil {
			return nil, err
		}
		code = strings.ToUpper(code)
		decimals, ok := stableDecimals[code]
		if !ok {
			decimals = 6
		}
		key := models.PaymentAsset{Kind: models.AssetKindStable, Code: code}.Key()
		rates[key] = AssetTerms{Rate: rate, Fees: stableFees, Decimals: decimals}
	}

	return rates, nil
}

// PricingOracle quotes prices from a rate source
type PricingOracle struct {
	rates RateSource
}

func NewPricingOracle(rates RateSource) *PricingOracle {
	return &PricingOracle{rates: rates}
}

// Quote prices reference in asset
func (o *PricingOracle) Quote(reference decimal.Decimal, asset models.PaymentAsset) (*PriceQuote, error) {
	if err := asset.Validate(); err != nil {
		return nil, wrapError(ErrCodeInvalidAsset, asset.String(), err)
	}
	terms, err := o.rates.Terms(asset)
	if err != nil {
		return nil, err
	}
	return QuotePrice(reference, asset, terms)
}

// Decimals returns the precision amounts of asset are truncated to
func (o *PricingOracle) Decimals(asset models.PaymentAsset) (int32, error) {
	terms, err := o.rates.Terms(asset)
	if err != nil {
		return 0, err
	}
	return terms.Decimals, nil
}
