package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
// 市价单不校验价格相关约束。
func (c SymbolConstraints) Validate(orderType string, price, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("qty %s must be > 0", qty)
	}
	isMarket := orderType == "MARKET" || orderType == "market"
	if !isMarket && c.TickSize.Sign() > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %s not aligned to tickSize %s", price, c.TickSize)
	}
	if c.StepSize.Sign() > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %s not aligned to stepSize %s", qty, c.StepSize)
	}
	if c.MinQty.Sign() > 0 && qty.LessThan(c.MinQty) {
		return fmt.Errorf("qty %s < minQty %s", qty, c.MinQty)
	}
	if c.MaxQty.Sign() > 0 && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("qty %s > maxQty %s", qty, c.MaxQty)
	}
	if !isMarket && c.MinNotional.Sign() > 0 {
		if notional := price.Mul(qty); notional.LessThan(c.MinNotional) {
			return fmt.Errorf("notional %s < minNotional %s", notional, c.MinNotional)
		}
	}
	return nil
}

func isMultiple(value, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return true
	}
	return value.Mod(step).IsZero()
}
