// Package telemetry records one row per completed working period. The
// sink is best-effort: a failure is logged and never blocks the loop.
package telemetry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PeriodRecord summarizes a completed working period.
type PeriodRecord struct {
	Wallet     string          `json:"wallet"`
	StartAt    time.Time       `json:"start_at"`
	EndAt      time.Time       `json:"end_at"`
	StartPrice decimal.Decimal `json:"start_price"`
	EndPrice   decimal.Decimal `json:"end_price"`
	StartValue decimal.Decimal `json:"start_value"`
	EndValue   decimal.Decimal `json:"end_value"`
	Hours      decimal.Decimal `json:"hours"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

// Sink appends period records.
type Sink interface {
	RecordPeriod(ctx context.Context, record PeriodRecord) error
}

// BuildRecord derives the duration and P&L fields from the endpoints.
func BuildRecord(wallet string, startAt, endAt time.Time, startPrice, endPrice, startValue, endValue decimal.Decimal) PeriodRecord {
	record := PeriodRecord{
		Wallet:     wallet,
		StartAt:    startAt.UTC(),
		EndAt:      endAt.UTC(),
		StartPrice: startPrice,
		EndPrice:   endPrice,
		StartValue: startValue,
		EndValue:   endValue,
		Hours:      decimal.NewFromFloat(endAt.Sub(startAt).Hours()).Round(2),
		PnL:        endValue.Sub(startValue),
	}
	if startValue.Sign() > 0 {
		record.PnLPercent = record.PnL.Div(startValue).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return record
}
