package telemetry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists period records to Postgres.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordPeriod upserts one working-period row keyed by wallet and start
// timestamp.
func (s *PostgresSink) RecordPeriod(ctx context.Context, record PeriodRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO working_periods (
			wallet, start_at, end_at, start_price, end_price,
			start_value, end_value, hours, pnl, pnl_percent, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		ON CONFLICT (wallet, start_at)
		DO UPDATE SET
			end_at = EXCLUDED.end_at,
			end_price = EXCLUDED.end_price,
			end_value = EXCLUDED.end_value,
			hours = EXCLUDED.hours,
			pnl = EXCLUDED.pnl,
			pnl_percent = EXCLUDED.pnl_percent,
			updated_at = now()
	`,
		record.Wallet,
		record.StartAt,
		record.EndAt,
		record.StartPrice,
		record.EndPrice,
		record.StartValue,
		record.EndValue,
		record.Hours,
		record.PnL,
		record.PnLPercent,
	)
	return err
}
