package packing

import "context"

// freeRect is an axis-aligned free rectangle on a guillotine sheet.
type freeRect struct {
	x, y, w, h int64
}

func (r freeRect) area() int64 { return r.w * r.h }

// gSheet is one opened guillotine sheet with its free rectangle list.
type gSheet struct {
	stockIdx  int
	instance  int
	free      []freeRect
	placed    []Placement
	pieceArea int64
}

// bestFit is a candidate free rectangle for a piece: best-area-fit with
// shorter-side-waste tie-break.
type bestFit struct {
	sheet    *gSheet
	rectIdx  int
	ori      orientation
	area     int64
	sideGap  int64
	resolved bool
}

func (b *bestFit) consider(sh *gSheet, ri int, rect freeRect, ori orientation) {
	gap := rect.w - ori.w
	if rect.h-ori.h < gap {
		gap = rect.h - ori.h
	}
	if !b.resolved || rect.area() < b.area || (rect.area() == b.area && gap < b.sideGap) {
		*b = bestFit{sheet: sh, rectIdx: ri, ori: ori, area: rect.area(), sideGap: gap, resolved: true}
	}
}

// packGuillotine packs pieces sorted by longer side descending using
// best-area-fit over free rectangles with the classic shorter-leftover-axis
// split. Free rectangles that cannot admit the smallest remaining piece are
// discarded.
func packGuillotine(ctx context.Context, pieces []Piece, stock []Stock, opts Options) (Result, error) {
	sorted := sortByMaxDimDesc(pieces)
	opened := make([]int, len(stock))
	var sheets []*gSheet
	var placements []Placement
	var unplaced []Piece

	for i, piece := range sorted {
		if err := checkCancelled(ctx); err != nil {
			return Result{}, err
		}

		var best bestFit
		for _, sh := range sheets {
			for ri, rect := range sh.free {
				for _, ori := range orientations(piece, opts) {
					if ori.w <= rect.w && ori.h <= rect.h {
						best.consider(sh, ri, rect, ori)
					}
				}
			}
		}

		if !best.resolved {
			si := cheapestAdmitting(stock, opened, func(s Stock) bool {
				return admitsSheet(s, piece, opts)
			})
			if si == -1 {
				unplaced = append(unplaced, piece)
				opts.report(i+1, len(sorted))
				continue
			}
			opened[si]++
			sh := &gSheet{
				stockIdx: si,
				instance: opened[si],
				free:     []freeRect{{x: 0, y: 0, w: stock[si].Length - opts.Kerf, h: stock[si].Width - opts.Kerf}},
			}
			sheets = append(sheets, sh)
			for _, ori := range orientations(piece, opts) {
				if ori.w <= sh.free[0].w && ori.h <= sh.free[0].h {
					best.consider(sh, 0, sh.free[0], ori)
				}
			}
		}

		sh := best.sheet
		rect := sh.free[best.rectIdx]
		pl := Placement{
			PieceID:  piece.ID,
			RefID:    piece.RefID,
			StockID:  stock[sh.stockIdx].ID,
			Instance: sh.instance,
			X:        rect.x,
			Y:        rect.y,
			Length:   best.ori.w,
			Width:    best.ori.h,
			Rotated:  best.ori.rotated,
		}
		sh.placed = append(sh.placed, pl)
		placements = append(placements, pl)
		sh.pieceArea += piece.Length * piece.Width
		sh.free = append(sh.free[:best.rectIdx], sh.free[best.rectIdx+1:]...)
		sh.free = append(sh.free, splitRect(rect, best.ori, opts.Kerf)...)
		prune(sh, sorted[i+1:], opts)
		opts.report(i+1, len(sorted))
	}

	usage := make([]StockUsage, len(sheets))
	for i, sh := range sheets {
		capacity := stock[sh.stockIdx].Length * stock[sh.stockIdx].Width
		usage[i] = StockUsage{
			StockID:    stock[sh.stockIdx].ID,
			Instance:   sh.instance,
			Capacity:   capacity,
			PieceArea:  sh.pieceArea,
			Waste:      capacity - sh.pieceArea,
			Placements: sh.placed,
		}
	}
	return finish(Guillotine2D, placements, unplaced, usage), nil
}

// splitRect performs the guillotine split: the placed piece leaves two
// sub-rectangles separated from it by the kerf. The cut runs along the
// shorter leftover axis: when the horizontal leftover is smaller the top
// rectangle keeps the full width, otherwise the right rectangle keeps the
// full height. Degenerate rectangles are dropped.
func splitRect(rect freeRect, ori orientation, kerf int64) []freeRect {
	leftoverW := rect.w - ori.w
	leftoverH := rect.h - ori.h
	var right, top freeRect
	if leftoverW <= leftoverH {
		right = freeRect{x: rect.x + ori.w + kerf, y: rect.y, w: leftoverW - kerf, h: ori.h}
		top = freeRect{x: rect.x, y: rect.y + ori.h + kerf, w: rect.w, h: leftoverH - kerf}
	} else {
		right = freeRect{x: rect.x + ori.w + kerf, y: rect.y, w: leftoverW - kerf, h: rect.h}
		top = freeRect{x: rect.x, y: rect.y + ori.h + kerf, w: ori.w, h: leftoverH - kerf}
	}
	var out []freeRect
	for _, r := range []freeRect{right, top} {
		if r.w > 0 && r.h > 0 {
			out = append(out, r)
		}
	}
	return out
}

// prune discards free rectangles that cannot admit any remaining piece.
func prune(sh *gSheet, remaining []Piece, opts Options) {
	if len(remaining) == 0 {
		return
	}
	kept := sh.free[:0]
	for _, rect := range sh.free {
		admits := false
		for _, p := range remaining {
			for _, ori := range orientations(p, opts) {
				if ori.w <= rect.w && ori.h <= rect.h {
					admits = true
					break
				}
			}
			if admits {
				break
			}
		}
		if admits {
			kept = append(kept, rect)
		}
	}
	sh.free = kept
}
