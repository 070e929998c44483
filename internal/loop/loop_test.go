package loop

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rangekeeper/internal/model"
)

func sample(value float64) model.PricePoint {
	return model.PricePoint{Price: decimal.NewFromFloat(value), Timestamp: time.Now().UTC()}
}

func TestAcceptSampleRejectsNonPositive(t *testing.T) {
	l := New(Deps{}, Config{MaxPriceJump: decimal.NewFromFloat(0.5)}, nil)
	if l.acceptSample(sample(0)) {
		t.Fatalf("zero price accepted")
	}
	if l.acceptSample(sample(-1)) {
		t.Fatalf("negative price accepted")
	}
}

func TestAcceptSampleRejectsOutlier(t *testing.T) {
	l := New(Deps{}, Config{MaxPriceJump: decimal.NewFromFloat(0.5)}, nil)

	if !l.acceptSample(sample(1.0)) {
		t.Fatalf("first sample rejected")
	}
	// A doubling is above the 50% jump limit.
	if l.acceptSample(sample(2.0)) {
		t.Fatalf("outlier accepted")
	}
	// The baseline is unchanged, a small move still passes.
	if !l.acceptSample(sample(1.01)) {
		t.Fatalf("normal sample rejected after outlier")
	}
}

func TestAcceptSampleAcceptsSustainedMove(t *testing.T) {
	l := New(Deps{}, Config{MaxPriceJump: decimal.NewFromFloat(0.5)}, nil)

	if !l.acceptSample(sample(1.0)) {
		t.Fatalf("first sample rejected")
	}
	for i := 0; i < maxOutlierStreak; i++ {
		if l.acceptSample(sample(2.0)) {
			t.Fatalf("outlier accepted on attempt %d", i+1)
		}
	}
	// The move persisted: it is a real repricing, not a glitch.
	if !l.acceptSample(sample(2.0)) {
		t.Fatalf("sustained move still rejected")
	}
	if !l.lastPrice.Price.Equal(decimal.NewFromFloat(2.0)) {
		t.Fatalf("baseline not advanced: %s", l.lastPrice.Price)
	}
}

func TestAcceptSampleNoJumpLimit(t *testing.T) {
	l := New(Deps{}, Config{}, nil)
	if !l.acceptSample(sample(1.0)) || !l.acceptSample(sample(100.0)) {
		t.Fatalf("samples rejected with jump filtering disabled")
	}
}
