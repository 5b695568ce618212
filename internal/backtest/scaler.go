package backtest

import "github.com/shopspring/decimal"

type ConstScaler struct {
	Size decimal.Decimal
}

func (s *ConstScaler) GetSize(budget decimal.Decimal, confidence float64) decimal.Decimal {
	return decimal.Min(budget, s.Size)
}

type LinearScaler struct {
	MaxScale float64
}

func (s *LinearScaler) GetSize(budget decimal.Decimal, confidence float64) decimal.Decimal {
	scale := confidence * s.MaxScale
	if scale > 1 {
		scale = 1
	}
	return budget.Mul(decimal.NewFromFloat(scale))
}
