package services

import (
	"fmt"
	"reflect"
	"strings"

	"creator-payment-system/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// CreateResourceRequest is the resource-creation payload as received from the client
type CreateResourceRequest struct {
	Kind            models.ResourceKind `json:"kind" validate:"required,oneof=item bounty sell_order"`
	Title           string              `json:"title" validate:"required,max=200"`
	Description     string              `json:"description" validate:"max=5000"`
	ReferenceAmount decimal.Decimal     `json:"reference_amount"`
	Asset           models.PaymentAsset `json:"asset"`
	Media           []string            `json:"media" validate:"max=10,dive,required,max=512"`

	Item      *ItemParams      `json:"item,omitempty" validate:"required_if=Kind item"`
	Bounty    *BountyParams    `json:"bounty,omitempty" validate:"required_if=Kind bounty"`
	SellOrder *SellOrderParams `json:"sell_order,omitempty" validate:"required_if=Kind sell_order"`
}

type ItemParams struct {
	Supply    int             `json:"supply" validate:"required,gte=1"`
	ListPrice decimal.Decimal `json:"list_price"`
}

type BountyParams struct {
	Winners              int                  `json:"winners" validate:"required,gte=1"`
	RewardAmountTotal    decimal.Decimal      `json:"reward_amount_total"`
	RewardAsset          models.PaymentAsset  `json:"reward_asset"`
	RequiredBalance      decimal.Decimal      `json:"required_balance"`
	RequiredBalanceAsset *models.PaymentAsset `json:"required_balance_asset,omitempty"`
	Location             *GeoFenceParams      `json:"location,omitempty"`
	GenerateRedeemCodes  bool                 `json:"generate_redeem_codes"`
}

type GeoFenceParams struct {
	Latitude     float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `json:"radius_meters" validate:"gt=0,lte=100000"`
}

type SellOrderParams struct {
	ItemID    string          `json:"item_id" validate:"required,uuid"`
	Quantity  int             `json:"quantity" validate:"required,gte=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ValidationError describes one rejected field
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationErrors is returned when a payload fails validation
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// ValidPayload is a payload that passed ValidatePayload. The saga only accepts this type.
type ValidPayload struct {
	req CreateResourceRequest
}

func (p ValidPayload) Request() CreateResourceRequest {
	return p.req
}

func (p ValidPayload) Kind() models.ResourceKind {
	return p.req.Kind
}

// PayloadValidator checks resource payloads against struct tags and business rules
type PayloadValidator struct {
	validate   *validator.Validate
	maxWinners int
}

func NewPayloadValidator(maxWinners int) *PayloadValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &PayloadValidator{validate: v, maxWinners: maxWinners}
}

// ValidatePayload returns the validated payload, or the full list of problems found
func (pv *PayloadValidator) ValidatePayload(req CreateResourceRequest) (ValidPayload, ValidationErrors) {
	var errs ValidationErrors

	if err := pv.validate.Struct(req); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return ValidPayload{}, ValidationErrors{{Field: "", Rule: "struct", Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Rule:    fe.Tag(),
				Message: ruleMessage(fe),
			})
		}
	}

	errs = append(errs, pv.businessRules(req)...)
	if len(errs) > 0 {
		return ValidPayload{}, errs
	}

	req.Asset = normalizeAsset(req.Asset)
	if req.Bounty != nil {
		req.Bounty.RewardAsset = normalizeAsset(req.Bounty.RewardAsset)
		if req.Bounty.RequiredBalanceAsset != nil {
			a := normalizeAsset(*req.Bounty.RequiredBalanceAsset)
			req.Bounty.RequiredBalanceAsset = &a
		}
	}
	return ValidPayload{req: req}, nil
}

func (pv *PayloadValidator) businessRules(req CreateResourceRequest) ValidationErrors {
	var errs ValidationErrors
	add := func(field, rule, msg string) {
		errs = append(errs, ValidationError{Field: field, Rule: rule, Message: msg})
	}

	if !req.ReferenceAmount.IsPositive() {
		add("reference_amount", "gt", "must be positive")
	}
	if err := req.Asset.Validate(); err != nil {
		add("asset", "asset", err.Error())
	}

	if req.Kind != models.ResourceKindItem && req.Item != nil {
		add("item", "excluded", "only allowed for item resources")
	}
	if req.Kind != models.ResourceKindBounty && req.Bounty != nil {
		add("bounty", "excluded", "only allowed for bounty resources")
	}
	if req.Kind != models.ResourceKindSellOrder && req.SellOrder != nil {
		add("sell_order", "excluded", "only allowed for sell_order resources")
	}

	if it := req.Item; it != nil && it.ListPrice.IsNegative() {
		add("item.list_price", "gte", "must not be negative")
	}

	if so := req.SellOrder; so != nil && !so.UnitPrice.IsPositive() {
		add("sell_order.unit_price", "gt", "must be positive")
	}

	if b := req.Bounty; b != nil {
		if b.Winners > pv.maxWinners {
			add("bounty.winners", "lte", fmt.Sprintf("must be at most %d", pv.maxWinners))
		}
		if !b.RewardAmountTotal.IsPositive() {
			add("bounty.reward_amount_total", "gt", "must be positive")
		}
		if err := b.RewardAsset.Validate(); err != nil {
			add("bounty.reward_asset", "asset", err.Error())
		}
		if b.RequiredBalance.IsNegative() {
			add("bounty.required_balance", "gte", "must not be negative")
		}
		if b.RequiredBalance.IsPositive() {
			if b.RequiredBalanceAsset == nil {
				add("bounty.required_balance_asset", "required", "is required when a balance is required")
			} else if err := b.RequiredBalanceAsset.Validate(); err != nil {
				add("bounty.required_balance_asset", "asset", err.Error())
			}
		}
	}

	return errs
}

func normalizeAsset(a models.PaymentAsset) models.PaymentAsset {
	if a.Kind == models.AssetKindStable {
		return models.StableAsset(a.Code, a.Issuer)
	}
	return a
}

// fieldPath drops the root struct name from a validator namespace
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte", "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "uuid":
		return "must be a UUID"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
