package geo

import (
	"testing"

	"github.com/sb-analytics/pipeline/internal/models"
)

func ptr(f float64) *float64 { return &f }

func TestClassifyPrecision(t *testing.T) {
	cases := []struct {
		accuracy *float64
		want     models.PrecisionClass
	}{
		{nil, models.PrecisionCoarse},
		{ptr(10), models.PrecisionHigh},
		{ptr(49.9), models.PrecisionHigh},
		{ptr(50), models.PrecisionMedium},
		{ptr(199.9), models.PrecisionMedium},
		{ptr(200), models.PrecisionCoarse},
		{ptr(5000), models.PrecisionCoarse},
	}
	for _, c := range cases {
		got := ClassifyPrecision(c.accuracy)
		if got != c.want {
			t.Errorf("ClassifyPrecision(%v) = %v, want %v", c.accuracy, got, c.want)
		}
	}
}

func TestComputeIndices_DeterministicPerPoint(t *testing.T) {
	a := ComputeIndices(-1.9536, 30.0605)
	b := ComputeIndices(-1.9536, 30.0605)
	if a != b {
		t.Fatalf("expected identical indices for the same point, got %v and %v", a, b)
	}
	if a.R7 == "" || a.R9 == "" || a.R11 == "" {
		t.Fatalf("expected all three resolutions populated, got %+v", a)
	}
}
