// Package grading turns AutoTest step results into rubric selections.
package grading

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethpandaops/gradeoor/pkg/store"
)

// pointsEpsilon absorbs float rounding when comparing points.
const pointsEpsilon = 1e-9

// ErrUnknownCalculator is returned for calculator names not in a registry.
var ErrUnknownCalculator = errors.New("unknown grade calculator")

// Calculator picks a rubric item for the fraction of points achieved in a
// rubric row.
type Calculator interface {
	// Select returns the chosen item and its multiplier, or nil when the
	// row has no items.
	Select(row *store.RubricRow, fraction float64) (*store.RubricItem, float64)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(row *store.RubricRow, fraction float64) (*store.RubricItem, float64)

// Select implements Calculator.
func (f CalculatorFunc) Select(row *store.RubricRow, fraction float64) (*store.RubricItem, float64) {
	return f(row, fraction)
}

// Registry holds the grade calculators known to a process.
type Registry struct {
	calculators map[string]Calculator
}

// NewRegistry creates a registry with the "full" and "partial" calculators.
func NewRegistry() *Registry {
	r := &Registry{calculators: make(map[string]Calculator, 2)}

	r.Register("full", CalculatorFunc(Full))
	r.Register("partial", CalculatorFunc(Partial))

	return r
}

// Register adds or replaces a calculator.
func (r *Registry) Register(name string, c Calculator) {
	r.calculators[name] = c
}

// Get returns the calculator registered under name.
func (r *Registry) Get(name string) (Calculator, error) {
	c, ok := r.calculators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalculator, name)
	}

	return c, nil
}

// Names returns the registered calculator names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.calculators))
	for name := range r.calculators {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Full selects the highest item whose points do not exceed the achieved
// share of the row maximum, falling back to the lowest item.
func Full(row *store.RubricRow, fraction float64) (*store.RubricItem, float64) {
	items := sortedItems(row)
	if len(items) == 0 {
		return nil, 0
	}

	target := fraction * row.MaxPoints()
	chosen := items[0]

	for _, item := range items {
		if item.Points <= target+pointsEpsilon {
			chosen = item
		}
	}

	return chosen, 1
}

// Partial selects the highest item with the achieved fraction as
// multiplier.
func Partial(row *store.RubricRow, fraction float64) (*store.RubricItem, float64) {
	items := sortedItems(row)
	if len(items) == 0 {
		return nil, 0
	}

	return items[len(items)-1], clampFraction(fraction)
}

func sortedItems(row *store.RubricRow) []*store.RubricItem {
	items := make([]*store.RubricItem, 0, len(row.Items))
	for i := range row.Items {
		items = append(items, &row.Items[i])
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Points < items[j].Points
	})

	return items
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
