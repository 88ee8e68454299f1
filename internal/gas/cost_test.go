package gas

import (
	"math"
	"testing"

	"github.com/holiman/uint256"
)

func TestCostGwei(t *testing.T) {
	tests := []struct {
		name   string
		units  uint64
		feeWei uint64
		want   int64
	}{
		{"exact", 6_500_000, 3 * WeiPerGwei, 19_500_000},
		{"rounds up", 21_000, 1, 1},
		{"zero fee", 6_500_000, 0, 0},
	}
	for _, tt := range tests {
		if got := CostGwei(tt.units, tt.feeWei); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestToGwei_Saturates(t *testing.T) {
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	if got := ToGwei(huge); got != math.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", got)
	}
}

func TestGweiRoundTrip(t *testing.T) {
	if got := ToGwei(GweiToWei(42)); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if Gwei(1.5) != 1_500_000_000 {
		t.Errorf("Gwei(1.5): got %d", Gwei(1.5))
	}
}

func TestFloorGwei(t *testing.T) {
	wei := new(uint256.Int).AddUint64(GweiToWei(7), 999_999_999)
	if got := FloorGwei(wei); got != 7 {
		t.Errorf("floor: got %d, want 7", got)
	}
	if got := ToGwei(wei); got != 8 {
		t.Errorf("ceil: got %d, want 8", got)
	}
}
