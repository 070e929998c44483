package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is an immutable pool price sample.
type PricePoint struct {
	Tick      int             `json:"tick"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
