package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestBuildRecord(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(8 * time.Hour)

	got := BuildRecord("0xabc", start, end,
		decimal.NewFromFloat(1.10), decimal.NewFromFloat(1.12),
		decimal.NewFromInt(100), decimal.NewFromInt(105))

	if !got.Hours.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("hours = %s, want 8", got.Hours)
	}
	if !got.PnL.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("pnl = %s, want 5", got.PnL)
	}
	if !got.PnLPercent.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("pnl percent = %s, want 5", got.PnLPercent)
	}
}

func TestBuildRecordZeroStartValue(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got := BuildRecord("0xabc", start, start.Add(time.Hour),
		decimal.Zero, decimal.Zero, decimal.Zero, decimal.NewFromInt(5))
	if !got.PnLPercent.IsZero() {
		t.Fatalf("pnl percent = %s, want 0 for zero start value", got.PnLPercent)
	}
}

func TestJsonlSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "periods.jsonl")
	sink := NewJsonlSink(path)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		record := BuildRecord("0xabc", start, start.Add(8*time.Hour),
			decimal.NewFromInt(1), decimal.NewFromInt(1),
			decimal.NewFromInt(100), decimal.NewFromInt(101))
		if err := sink.RecordPeriod(context.Background(), record); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record PeriodRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		if record.Wallet != "0xabc" {
			t.Fatalf("wallet = %q, want 0xabc", record.Wallet)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}
