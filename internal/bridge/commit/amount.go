package commit

import (
	"fmt"

	"github.com/shopspring/decimal"
	"pegbridge.com/internal/bridge/domain"
)

// ScaleAmount 可读金额 -> 链上最小单位整数，多余的小数位向零截断。
// 例如 12.500000 @6 -> 12500000
func ScaleAmount(amount decimal.Decimal, precision int32) (decimal.Decimal, error) {
	if precision < 0 {
		return decimal.Zero, fmt.Errorf("invalid precision %d", precision)
	}
	if amount.IsNegative() {
		return decimal.Zero, domain.NewTxFailure(domain.TxUnknownError, "negative amount "+amount.String(), nil)
	}
	return amount.Shift(precision).Truncate(0), nil
}

// UnscaleAmount 最小单位整数 -> 可读金额
func UnscaleAmount(units decimal.Decimal, precision int32) decimal.Decimal {
	return units.Shift(-precision)
}

// checkLimits 入账金额校验，越界返回 LESS_MIN / GREATER_MAX
func checkLimits(amount decimal.Decimal, min, max *decimal.Decimal) error {
	if min != nil && amount.LessThan(*min) {
		return domain.NewTxFailure(domain.TxLessMin, fmt.Sprintf("amount %s below minimum %s", amount, min), nil)
	}
	if max != nil && amount.GreaterThan(*max) {
		return domain.NewTxFailure(domain.TxGreaterMax, fmt.Sprintf("amount %s above maximum %s", amount, max), nil)
	}
	return nil
}
