package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rooneydude/kalshibot/internal/domain"
)

func TestTakerFeeCents(t *testing.T) {
	tests := []struct {
		name  string
		count int64
		price int64
		want  int64
	}{
		{"one contract at midpoint", 1, 50, 2},      // ceil(1.75)
		{"ten contracts at 52", 10, 52, 18},         // ceil(17.472)
		{"cheap contract rounds up", 1, 1, 1},       // ceil(0.0693)
		{"expensive contract rounds up", 1, 99, 1},  // symmetric
		{"zero count", 0, 50, 0},
		{"price at floor", 5, 0, 0},
		{"price at cap", 5, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KalshiFees{}.TakerFeeCents(tt.count, tt.price))
		})
	}
}

func TestKalshiFeesEstimateSumsLegs(t *testing.T) {
	legs := []domain.Leg{
		{LimitPriceCents: 50},
		{LimitPriceCents: 52},
	}
	want := KalshiFees{}.TakerFeeCents(10, 50) + KalshiFees{}.TakerFeeCents(10, 52)
	assert.Equal(t, want, KalshiFees{}.EstimateCents(legs, 10))
}

func TestFlatFeesPerLegPerContract(t *testing.T) {
	legs := []domain.Leg{{LimitPriceCents: 20}, {LimitPriceCents: 30}, {LimitPriceCents: 40}}
	assert.Equal(t, int64(2*10*3), FlatFees{CentsPerContract: 2}.EstimateCents(legs, 10))
}
