package packing

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genBarPieces() gopter.Gen {
	return gen.SliceOfN(12, gen.Int64Range(1, 1500)).Map(func(lengths []int64) []Piece {
		pieces := make([]Piece, len(lengths))
		for i, l := range lengths {
			pieces[i] = Piece{ID: fmt.Sprintf("p%d", i), Length: l}
		}
		return pieces
	})
}

func genSheetPieces() gopter.Gen {
	return gen.SliceOfN(10, gen.Int64Range(1, 450)).Map(func(dims []int64) []Piece {
		pieces := make([]Piece, 0, len(dims)/2)
		for i := 0; i+1 < len(dims); i += 2 {
			pieces = append(pieces, Piece{
				ID:        fmt.Sprintf("p%d", i/2),
				Length:    dims[i],
				Width:     dims[i+1],
				CanRotate: true,
			})
		}
		return pieces
	})
}

// pieceIDsConserved checks that every input piece lands exactly once in
// placements or unplaced.
func pieceIDsConserved(pieces []Piece, res Result) bool {
	seen := map[string]int{}
	for _, pl := range res.Placements {
		seen[pl.PieceID]++
	}
	for _, p := range res.Unplaced {
		seen[p.ID]++
	}
	if len(seen) != len(pieces) {
		return false
	}
	for _, p := range pieces {
		if seen[p.ID] != 1 {
			return false
		}
	}
	return true
}

func TestBarPackingInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	stock := []Stock{{ID: "b6000", Length: 6000, Available: 12}}

	for _, alg := range []Algorithm{FFD1D, BFD1D} {
		alg := alg
		properties.Property(string(alg)+" conserves pieces", prop.ForAll(
			func(pieces []Piece) bool {
				res, err := Run(context.Background(), alg, pieces, stock, Options{Kerf: 3})
				return err == nil && pieceIDsConserved(pieces, res)
			},
			genBarPieces(),
		))

		properties.Property(string(alg)+" keeps bar accounting consistent", prop.ForAll(
			func(pieces []Piece) bool {
				res, err := Run(context.Background(), alg, pieces, stock, Options{Kerf: 3})
				if err != nil {
					return false
				}
				var totalWaste int64
				for _, u := range res.Usage {
					// capacity = pieces + kerf loss + waste, with at most
					// one kerf per placement.
					kerfLoss := u.Capacity - u.PieceArea - u.Waste
					if kerfLoss < 0 || kerfLoss > 3*int64(len(u.Placements)) {
						return false
					}
					totalWaste += u.Waste
				}
				return totalWaste == res.TotalWaste
			},
			genBarPieces(),
		))

		properties.Property(string(alg)+" keeps cuts inside the bar", prop.ForAll(
			func(pieces []Piece) bool {
				res, err := Run(context.Background(), alg, pieces, stock, Options{Kerf: 3})
				if err != nil {
					return false
				}
				for _, u := range res.Usage {
					var prevEnd int64 = -1
					for _, pl := range u.Placements {
						if pl.X < 0 || pl.X+pl.Length > u.Capacity {
							return false
						}
						if prevEnd >= 0 && pl.X < prevEnd {
							return false
						}
						prevEnd = pl.X + pl.Length
					}
				}
				return true
			},
			genBarPieces(),
		))
	}

	properties.TestingRun(t)
}

func TestSheetPackingInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	stock := []Stock{{ID: "s1000x500", Length: 1000, Width: 500, Available: 10}}
	opts := Options{Kerf: 3, AllowRotation: true}

	for _, alg := range []Algorithm{BottomLeft2D, Guillotine2D} {
		alg := alg
		properties.Property(string(alg)+" conserves pieces", prop.ForAll(
			func(pieces []Piece) bool {
				res, err := Run(context.Background(), alg, pieces, stock, opts)
				return err == nil && pieceIDsConserved(pieces, res)
			},
			genSheetPieces(),
		))

		properties.Property(string(alg)+" places without overlap", prop.ForAll(
			func(pieces []Piece) bool {
				res, err := Run(context.Background(), alg, pieces, stock, opts)
				if err != nil {
					return false
				}
				for _, u := range res.Usage {
					for i, a := range u.Placements {
						if a.X < 0 || a.Y < 0 || a.X+a.Length > 1000 || a.Y+a.Width > 500 {
							return false
						}
						for _, b := range u.Placements[:i] {
							if a.X+a.Length+opts.Kerf > b.X && b.X+b.Length+opts.Kerf > a.X &&
								a.Y+a.Width+opts.Kerf > b.Y && b.Y+b.Width+opts.Kerf > a.Y {
								return false
							}
						}
					}
				}
				return true
			},
			genSheetPieces(),
		))

		properties.Property(string(alg)+" reports complementary waste ratios", prop.ForAll(
			func(pieces []Piece) bool {
				res, err := Run(context.Background(), alg, pieces, stock, opts)
				if err != nil {
					return false
				}
				if len(res.Usage) == 0 {
					return res.WastePercentBP == 0 && res.EfficiencyBP == 0
				}
				return res.WastePercentBP+res.EfficiencyBP == 10000
			},
			genSheetPieces(),
		))
	}

	properties.TestingRun(t)
}
