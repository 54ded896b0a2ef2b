package packing

import "context"

// bar is one opened 1D stock unit. used tracks consumed length including
// kerf between adjacent cuts.
type bar struct {
	stockIdx int
	instance int
	capacity int64
	used     int64
	pieces   int64 // total piece length, excludes kerf
	placed   []Placement
}

func (b *bar) remaining() int64 { return b.capacity - b.used }

// need returns the length consumed by placing p on b, or -1 when p does not
// fit. An empty bar needs no kerf; a piece that exactly consumes the
// remainder is cut flush with the bar end and also needs no kerf.
func (b *bar) need(p int64, kerf int64) int64 {
	rem := b.remaining()
	if len(b.placed) == 0 {
		if p <= rem {
			return p
		}
		return -1
	}
	if p+kerf <= rem {
		return p + kerf
	}
	if p == rem {
		return p
	}
	return -1
}

func (b *bar) place(piece Piece, stock Stock, kerf int64) Placement {
	need := b.need(piece.Length, kerf)
	x := b.capacity - b.remaining()
	if len(b.placed) > 0 && need == piece.Length+kerf {
		x += kerf
	}
	pl := Placement{
		PieceID:  piece.ID,
		RefID:    piece.RefID,
		StockID:  stock.ID,
		Instance: b.instance,
		X:        x,
		Length:   piece.Length,
	}
	b.used += need
	b.pieces += piece.Length
	b.placed = append(b.placed, pl)
	return pl
}

// packBars runs first-fit (bestFit=false) or best-fit (bestFit=true)
// decreasing over 1D stock. Rotation is meaningless for bars and ignored.
func packBars(ctx context.Context, pieces []Piece, stock []Stock, opts Options, bestFit bool) (Result, error) {
	sorted := sortByLengthDesc(pieces)
	opened := make([]int, len(stock))
	var bars []*bar
	var placements []Placement
	var unplaced []Piece

	for i, piece := range sorted {
		if err := checkCancelled(ctx); err != nil {
			return Result{}, err
		}

		target := -1
		if bestFit {
			// Smallest remaining slack after placement wins.
			var bestSlack int64
			for bi, b := range bars {
				need := b.need(piece.Length, opts.Kerf)
				if need < 0 {
					continue
				}
				slack := b.remaining() - need
				if target == -1 || slack < bestSlack {
					target = bi
					bestSlack = slack
				}
			}
		} else {
			for bi, b := range bars {
				if b.need(piece.Length, opts.Kerf) >= 0 {
					target = bi
					break
				}
			}
		}

		if target == -1 {
			si := cheapestAdmitting(stock, opened, func(s Stock) bool {
				return s.Length >= piece.Length
			})
			if si == -1 {
				unplaced = append(unplaced, piece)
				opts.report(i+1, len(sorted))
				continue
			}
			opened[si]++
			bars = append(bars, &bar{
				stockIdx: si,
				instance: opened[si],
				capacity: stock[si].Length,
			})
			target = len(bars) - 1
		}

		placements = append(placements, bars[target].place(piece, stock[bars[target].stockIdx], opts.Kerf))
		opts.report(i+1, len(sorted))
	}

	usage := make([]StockUsage, len(bars))
	for i, b := range bars {
		usage[i] = StockUsage{
			StockID:    stock[b.stockIdx].ID,
			Instance:   b.instance,
			Capacity:   b.capacity,
			PieceArea:  b.pieces,
			Waste:      b.capacity - b.used,
			Placements: b.placed,
		}
	}
	alg := FFD1D
	if bestFit {
		alg = BFD1D
	}
	return finish(alg, placements, unplaced, usage), nil
}
