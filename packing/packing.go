// Package packing implements the cutting layout strategies: first-fit and
// best-fit decreasing for 1D bars, bottom-left and guillotine for 2D
// sheets. Strategies are pure functions of (pieces, stock, options); all
// placement math is integer millimetres and ratios are basis points.
//
// Kerf accounting follows the saw: on bars the kerf is consumed between
// adjacent cuts and a piece that exactly consumes a bar's remainder is cut
// flush with the end, needing no kerf. On sheets the usable area is the
// sheet minus a kerf margin per axis and the saw sliver between pieces
// counts toward waste.
package packing

import (
	"context"
	"sort"

	"github.com/cutfactor/cutcore/domain"
)

// Algorithm tags the strategy to run. The engine dispatches on the tag; no
// strategy carries state.
type Algorithm string

const (
	FFD1D        Algorithm = "1D_FFD"
	BFD1D        Algorithm = "1D_BFD"
	BottomLeft2D Algorithm = "2D_BOTTOM_LEFT"
	Guillotine2D Algorithm = "2D_GUILLOTINE"
)

// ParseAlgorithm validates a stored algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case FFD1D, BFD1D, BottomLeft2D, Guillotine2D:
		return Algorithm(name), nil
	}
	return "", domain.Ef(domain.KindValidation, "unknown algorithm %q", name)
}

// Is1D reports whether the algorithm packs bars.
func (a Algorithm) Is1D() bool { return a == FFD1D || a == BFD1D }

type (
	// Piece is one part to cut. Width is zero for bar pieces. RefID links
	// back to the originating order item.
	Piece struct {
		ID        string
		RefID     string
		Length    int64
		Width     int64
		CanRotate bool
	}

	// Stock is one stock class with a number of available units. Width is
	// zero for bars. UnitPrice is in minor currency units and breaks ties
	// when opening new units.
	Stock struct {
		ID        string
		Length    int64
		Width     int64
		UnitPrice int64
		Available int
	}

	// Progress reports strategy advancement in [0,1].
	Progress struct {
		Done  int
		Total int
	}

	// Options are the common strategy options. Cancellation is observed
	// through ctx between pieces.
	Options struct {
		Kerf          int64
		AllowRotation bool
		OnProgress    func(Progress)
	}

	// Placement is one piece positioned on one stock unit. Instance
	// distinguishes multiple opened units of the same class.
	Placement struct {
		PieceID  string
		RefID    string
		StockID  string
		Instance int
		X        int64
		Y        int64
		Length   int64
		Width    int64
		Rotated  bool
	}

	// StockUsage aggregates one opened stock unit: its capacity, the area
	// of the pieces placed on it and the resulting waste. Placements are in
	// cut order.
	StockUsage struct {
		StockID        string
		Instance       int
		Capacity       int64
		PieceArea      int64
		Waste          int64
		WastePercentBP int64
		Placements     []Placement
	}

	// Result is the outcome of one strategy run. TotalWaste is the sum of
	// per-unit waste; WastePercentBP and EfficiencyBP follow the
	// placed-over-used-stock definition.
	Result struct {
		Algorithm      Algorithm
		Placements     []Placement
		Unplaced       []Piece
		Usage          []StockUsage
		TotalWaste     int64
		WastePercentBP int64
		EfficiencyBP   int64
	}
)

// StockUsedCount reports how many stock units the result consumes.
func (r Result) StockUsedCount() int { return len(r.Usage) }

// Run executes the tagged strategy. It fails with VALIDATION for unknown
// tags or negative kerf and with CANCELLED when ctx is done; cancellation
// is checked between pieces.
func Run(ctx context.Context, alg Algorithm, pieces []Piece, stock []Stock, opts Options) (Result, error) {
	if opts.Kerf < 0 {
		return Result{}, domain.E(domain.KindValidation, "kerf must be non-negative")
	}
	switch alg {
	case FFD1D:
		return packBars(ctx, pieces, stock, opts, false)
	case BFD1D:
		return packBars(ctx, pieces, stock, opts, true)
	case BottomLeft2D:
		return packBottomLeft(ctx, pieces, stock, opts)
	case Guillotine2D:
		return packGuillotine(ctx, pieces, stock, opts)
	}
	return Result{}, domain.Ef(domain.KindValidation, "unknown algorithm %q", alg)
}

// checkCancelled converts context termination into the strategy error.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return domain.E(domain.KindTimeout, "packing deadline exceeded")
		}
		return domain.E(domain.KindCancelled, "packing cancelled")
	default:
		return nil
	}
}

// report invokes the progress callback when configured.
func (o Options) report(done, total int) {
	if o.OnProgress != nil {
		o.OnProgress(Progress{Done: done, Total: total})
	}
}

// sortByLengthDesc orders pieces longest first, stable on input order.
func sortByLengthDesc(pieces []Piece) []Piece {
	out := make([]Piece, len(pieces))
	copy(out, pieces)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Length > out[j].Length })
	return out
}

// sortByAreaDesc orders pieces by area descending, stable on input order.
func sortByAreaDesc(pieces []Piece) []Piece {
	out := make([]Piece, len(pieces))
	copy(out, pieces)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Length*out[i].Width > out[j].Length*out[j].Width
	})
	return out
}

// sortByMaxDimDesc orders pieces by their longer side descending, stable on
// input order.
func sortByMaxDimDesc(pieces []Piece) []Piece {
	out := make([]Piece, len(pieces))
	copy(out, pieces)
	sort.SliceStable(out, func(i, j int) bool {
		return maxDim(out[i]) > maxDim(out[j])
	})
	return out
}

func maxDim(p Piece) int64 {
	if p.Width > p.Length {
		return p.Width
	}
	return p.Length
}

// cheapestAdmitting selects the stock class for a new unit: the cheapest
// class that admits the piece and still has unopened units, ties broken by
// insertion order. admits must be side-effect free. opened counts units
// already opened per stock index.
func cheapestAdmitting(stock []Stock, opened []int, admits func(Stock) bool) int {
	best := -1
	for i, s := range stock {
		if opened[i] >= s.Available {
			continue
		}
		if !admits(s) {
			continue
		}
		if best == -1 || s.UnitPrice < stock[best].UnitPrice {
			best = i
		}
	}
	return best
}

// finish assembles aggregate metrics from per-unit usage.
func finish(alg Algorithm, placements []Placement, unplaced []Piece, usage []StockUsage) Result {
	var totalWaste, capacity, placed int64
	for i := range usage {
		u := &usage[i]
		if u.Capacity > 0 {
			u.WastePercentBP = 10000 - u.PieceArea*10000/u.Capacity
		}
		totalWaste += u.Waste
		capacity += u.Capacity
		placed += u.PieceArea
	}
	res := Result{
		Algorithm:  alg,
		Placements: placements,
		Unplaced:   unplaced,
		Usage:      usage,
		TotalWaste: totalWaste,
	}
	if capacity > 0 {
		res.EfficiencyBP = placed * 10000 / capacity
		res.WastePercentBP = 10000 - res.EfficiencyBP
	}
	return res
}
