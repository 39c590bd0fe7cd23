package variant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/uuid"
)

func TestSelect_NoActiveVariants(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	if got := Select(nil, rnd); got != nil {
		t.Errorf("Select(nil) = %v, want nil", got)
	}

	inactive := []Variant{{ID: uuid.New(), Weight: 1.0, Active: false}}
	if got := Select(inactive, rnd); got != nil {
		t.Errorf("Select(inactive) = %v, want nil", got)
	}

	zeroWeight := []Variant{{ID: uuid.New(), Weight: 0, Active: true}}
	if got := Select(zeroWeight, rnd); got != nil {
		t.Errorf("Select(zero weight) = %v, want nil", got)
	}
}

func TestSelect_SingleVariant(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	v := Variant{ID: uuid.New(), Weight: 0.3, Active: true}
	got := Select([]Variant{v}, rnd)
	if got == nil || got.ID != v.ID {
		t.Errorf("Select = %v, want the only variant", got)
	}
}

func TestSelect_DistributionMatchesWeights(t *testing.T) {
	a := Variant{ID: uuid.New(), Name: "a", Weight: 0.7, Active: true}
	b := Variant{ID: uuid.New(), Name: "b", Weight: 0.3, Active: true}
	variants := []Variant{a, b}

	rnd := rand.New(rand.NewSource(42))
	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		got := Select(variants, rnd)
		if got == nil {
			t.Fatal("Select returned nil")
		}
		counts[got.Name]++
	}

	// Chi-squared against expected counts; 1 dof, p=0.001 critical ≈ 10.83.
	expected := map[string]float64{"a": 0.7 * n, "b": 0.3 * n}
	chi2 := 0.0
	for name, exp := range expected {
		d := float64(counts[name]) - exp
		chi2 += d * d / exp
	}
	if chi2 > 10.83 {
		t.Errorf("chi2 = %.2f exceeds tolerance; counts=%v", chi2, counts)
	}
}

func TestSelect_WeightsNotNormalized(t *testing.T) {
	// Weights summing to 2.0 behave like their normalized ratios.
	a := Variant{ID: uuid.New(), Name: "a", Weight: 1.5, Active: true}
	b := Variant{ID: uuid.New(), Name: "b", Weight: 0.5, Active: true}

	rnd := rand.New(rand.NewSource(7))
	const n = 10000
	hits := 0
	for i := 0; i < n; i++ {
		if got := Select([]Variant{a, b}, rnd); got != nil && got.Name == "a" {
			hits++
		}
	}
	ratio := float64(hits) / n
	if math.Abs(ratio-0.75) > 0.03 {
		t.Errorf("variant a ratio = %.3f, want ≈0.75", ratio)
	}
}

func TestSelect_InactiveExcludedFromDraw(t *testing.T) {
	active := Variant{ID: uuid.New(), Name: "active", Weight: 0.1, Active: true}
	inactive := Variant{ID: uuid.New(), Name: "inactive", Weight: 0.9, Active: false}

	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		got := Select([]Variant{active, inactive}, rnd)
		if got == nil || got.Name != "active" {
			t.Fatalf("Select = %v, want the active variant only", got)
		}
	}
}
