package task

import "fmt"

// Range is an inclusive, 1-indexed page range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Pages() int { return r.End - r.Start + 1 }

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// Plan splits total pages into ceil(total/budget) consecutive ranges of at most
// budget pages each.
func Plan(total, budget int) ([]Range, error) {
	if total <= 0 {
		return nil, fmt.Errorf("document has no pages")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("page budget must be positive, got %d", budget)
	}

	ranges := make([]Range, 0, (total+budget-1)/budget)
	for start := 1; start <= total; start += budget {
		ranges = append(ranges, Range{Start: start, End: min(start+budget-1, total)})
	}
	return ranges, nil
}
