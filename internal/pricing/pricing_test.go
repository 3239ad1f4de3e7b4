package pricing

import (
	"errors"
	"math"
	"testing"
)

// --- Fee tests ---

func TestFee_Arithmetic(t *testing.T) {
	tests := []struct {
		amount  uint64
		feeBps  uint16
		wantFee uint64
		wantNet uint64
	}{
		{1000, 250, 25, 975},
		{1, 1, 0, 1},
		{9999, 1, 0, 9999},
		{10000, 1, 1, 9999},
		{500, 0, 0, 500},
		{500, 10000, 500, 0},
		{math.MaxUint64, 10000, math.MaxUint64, 0},
	}
	for _, tt := range tests {
		fee, net, err := Fee(tt.amount, tt.feeBps)
		if err != nil {
			t.Fatalf("Fee(%d, %d): unexpected error: %v", tt.amount, tt.feeBps, err)
		}
		if fee != tt.wantFee || net != tt.wantNet {
			t.Errorf("Fee(%d, %d) = (%d, %d), want (%d, %d)",
				tt.amount, tt.feeBps, fee, net, tt.wantFee, tt.wantNet)
		}
		if fee+net != tt.amount {
			t.Errorf("fee + net should equal amount for %d", tt.amount)
		}
	}
}

func TestFee_RateOutOfRange(t *testing.T) {
	if _, _, err := Fee(100, 10001); !errors.Is(err, ErrPriceOutOfRange) {
		t.Errorf("expected ErrPriceOutOfRange, got %v", err)
	}
}

// --- Quantity tests ---

func TestQuantity_EvenOdds(t *testing.T) {
	q, err := Quantity(500, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q != 1000 {
		t.Errorf("expected 1000 shares, got %d", q)
	}
}

func TestQuantity_FloorsFractionalShares(t *testing.T) {
	// 100 * 10000 / 3000 = 333.33...
	q, err := Quantity(100, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q != 333 {
		t.Errorf("expected 333, got %d", q)
	}
}

func TestQuantity_ZeroPrice(t *testing.T) {
	if _, err := Quantity(100, 0); !errors.Is(err, ErrZeroPrice) {
		t.Errorf("expected ErrZeroPrice, got %v", err)
	}
}

func TestQuantity_Overflow(t *testing.T) {
	if _, err := Quantity(math.MaxUint64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestQuantity_FullPriceIsOneToOne(t *testing.T) {
	q, _ := Quantity(12345, 10000)
	if q != 12345 {
		t.Errorf("expected 12345, got %d", q)
	}
}

// --- Value tests ---

func TestValue_MarkToMarket(t *testing.T) {
	v, err := Value(1000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 800 {
		t.Errorf("expected 800, got %d", v)
	}
}

func TestValue_LargeQuantityDoesNotOverflow(t *testing.T) {
	v, err := Value(math.MaxUint64, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != math.MaxUint64 {
		t.Errorf("expected MaxUint64, got %d", v)
	}
}

func TestValue_ZeroPriceIsWorthless(t *testing.T) {
	v, _ := Value(1000, 0)
	if v != 0 {
		t.Errorf("expected 0, got %d", v)
	}
}

// --- PnL and checked adds ---

func TestPnL_Signed(t *testing.T) {
	tests := []struct {
		credited, invested uint64
		want               int64
	}{
		{800, 500, 300},
		{0, 500, -500},
		{500, 500, 0},
	}
	for _, tt := range tests {
		got, err := PnL(tt.credited, tt.invested)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("PnL(%d, %d) = %d, want %d", tt.credited, tt.invested, got, tt.want)
		}
	}
}

func TestPnL_Overflow(t *testing.T) {
	if _, err := PnL(math.MaxUint64, 0); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestAdd_Overflow(t *testing.T) {
	if _, err := Add(math.MaxUint64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if s, err := Add(2, 3); err != nil || s != 5 {
		t.Errorf("Add(2,3) = %d, %v", s, err)
	}
}

func TestAddSigned_Overflow(t *testing.T) {
	if _, err := AddSigned(math.MaxInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow on positive overflow, got %v", err)
	}
	if _, err := AddSigned(math.MinInt64, -1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow on negative overflow, got %v", err)
	}
	if s, _ := AddSigned(-5, 3); s != -2 {
		t.Errorf("AddSigned(-5,3) = %d", s)
	}
}
