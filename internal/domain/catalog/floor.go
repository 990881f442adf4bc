package catalog

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
)

var ErrInvalidFloorExpr = errors.New("floor expression did not evaluate to a number")

// Floor returns the lowest price the seller accepts. A floor expression such as
// "listed_price * 0.8" is evaluated against the product facts; the higher of the
// expression and the fixed floor wins.
func (p *Product) Floor() (decimal.Decimal, error) {
	floor := p.FloorPrice
	if p.FloorExpr == nil || strings.TrimSpace(*p.FloorExpr) == "" {
		return floor, nil
	}
	v, err := EvaluateFloor(*p.FloorExpr, p.params())
	if err != nil {
		return decimal.Zero, err
	}
	if v.GreaterThan(floor) {
		floor = v
	}
	return floor, nil
}

func (p *Product) params() map[string]interface{} {
	listed, _ := p.ListedPrice.Float64()
	fixed, _ := p.FloorPrice.Float64()
	return map[string]interface{}{
		"listed_price":       listed,
		"floor_price":        fixed,
		"min_order_quantity": float64(p.MinOrderQuantity),
		"stock":              float64(p.Stock),
	}
}

// EvaluateFloor evaluates a floor expression and rounds it to cents.
func EvaluateFloor(expression string, params map[string]interface{}) (decimal.Decimal, error) {
	expr, err := govaluate.NewEvaluableExpression(strings.TrimSpace(expression))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse floor expression: %w", err)
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("evaluate floor expression: %w", err)
	}
	switch v := result.(type) {
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return decimal.Zero, ErrInvalidFloorExpr
		}
		return decimal.NewFromFloat(v).Round(2), nil
	default:
		return decimal.Zero, ErrInvalidFloorExpr
	}
}
