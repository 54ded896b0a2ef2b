package packing

import "context"

// sheet is one opened 2D stock unit. candidates are prospective placement
// origins maintained skyline-style: every placement contributes the point
// past its right edge and the point above its top edge.
type sheet struct {
	stockIdx   int
	instance   int
	width      int64 // X extent
	height     int64 // Y extent
	placed     []Placement
	candidates []point
	pieceArea  int64
}

type point struct{ x, y int64 }

// orientation is one admissible (length, width) assignment for a piece.
type orientation struct {
	w, h    int64
	rotated bool
}

// orientations returns the admissible orientations of p. Rotation swaps the
// piece's dimensions and requires both the option and the piece to allow
// it; square pieces yield a single orientation.
func orientations(p Piece, opts Options) []orientation {
	out := []orientation{{w: p.Length, h: p.Width}}
	if opts.AllowRotation && p.CanRotate && p.Length != p.Width {
		out = append(out, orientation{w: p.Width, h: p.Length, rotated: true})
	}
	return out
}

// fits reports whether a w×h rectangle at origin collides with the sheet
// bounds or any existing placement. Pieces on the same sheet must be
// separated by the kerf on at least one axis unless they touch nothing.
func (s *sheet) fits(origin point, w, h, kerf int64) bool {
	if origin.x+w > s.width || origin.y+h > s.height {
		return false
	}
	for _, pl := range s.placed {
		if origin.x+w+kerf > pl.X && pl.X+pl.Length+kerf > origin.x &&
			origin.y+h+kerf > pl.Y && pl.Y+pl.Width+kerf > origin.y {
			return false
		}
	}
	return true
}

// bestSpot finds the lowest, then leftmost feasible candidate for the piece
// on this sheet, considering admissible orientations. Ties between
// orientations at the same origin go to the one leaving the larger open
// rectangle to the right. Returns false when the sheet does not admit the
// piece.
func (s *sheet) bestSpot(p Piece, opts Options) (point, orientation, bool) {
	var bestPt point
	var bestOri orientation
	found := false
	for _, ori := range orientations(p, opts) {
		for _, c := range s.candidates {
			if !s.fits(c, ori.w, ori.h, opts.Kerf) {
				continue
			}
			if !found {
				bestPt, bestOri, found = c, ori, true
				continue
			}
			switch {
			case c.y < bestPt.y:
				bestPt, bestOri = c, ori
			case c.y == bestPt.y && c.x < bestPt.x:
				bestPt, bestOri = c, ori
			case c.y == bestPt.y && c.x == bestPt.x &&
				s.width-c.x-ori.w > s.width-bestPt.x-bestOri.w:
				bestPt, bestOri = c, ori
			}
		}
	}
	return bestPt, bestOri, found
}

func (s *sheet) place(p Piece, stock Stock, origin point, ori orientation, kerf int64) Placement {
	pl := Placement{
		PieceID:  p.ID,
		RefID:    p.RefID,
		StockID:  stock.ID,
		Instance: s.instance,
		X:        origin.x,
		Y:        origin.y,
		Length:   ori.w,
		Width:    ori.h,
		Rotated:  ori.rotated,
	}
	s.placed = append(s.placed, pl)
	s.pieceArea += p.Length * p.Width
	s.candidates = append(s.candidates,
		point{x: origin.x + ori.w + kerf, y: origin.y},
		point{x: origin.x, y: origin.y + ori.h + kerf},
	)
	return pl
}

// packBottomLeft packs pieces sorted by area descending onto sheets at the
// lowest-then-leftmost feasible candidate, opening a new sheet of the
// cheapest admitting class when no open sheet fits.
func packBottomLeft(ctx context.Context, pieces []Piece, stock []Stock, opts Options) (Result, error) {
	sorted := sortByAreaDesc(pieces)
	opened := make([]int, len(stock))
	var sheets []*sheet
	var placements []Placement
	var unplaced []Piece

	for i, piece := range sorted {
		if err := checkCancelled(ctx); err != nil {
			return Result{}, err
		}

		done := false
		for _, sh := range sheets {
			if pt, ori, ok := sh.bestSpot(piece, opts); ok {
				placements = append(placements, sh.place(piece, stock[sh.stockIdx], pt, ori, opts.Kerf))
				done = true
				break
			}
		}
		if !done {
			si := cheapestAdmitting(stock, opened, func(s Stock) bool {
				return admitsSheet(s, piece, opts)
			})
			if si == -1 {
				unplaced = append(unplaced, piece)
				opts.report(i+1, len(sorted))
				continue
			}
			opened[si]++
			sh := newSheet(si, opened[si], stock[si], opts.Kerf)
			sheets = append(sheets, sh)
			pt, ori, ok := sh.bestSpot(piece, opts)
			if !ok {
				// admitsSheet guarantees a fit on an empty sheet.
				unplaced = append(unplaced, piece)
				opts.report(i+1, len(sorted))
				continue
			}
			placements = append(placements, sh.place(piece, stock[si], pt, ori, opts.Kerf))
		}
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
	return finish(BottomLeft2D, placements, unplaced, usage), nil
}

// newSheet opens a unit of the given class. The usable area is the sheet
// minus one kerf margin per axis.
func newSheet(stockIdx, instance int, s Stock, kerf int64) *sheet {
	return &sheet{
		stockIdx:   stockIdx,
		instance:   instance,
		width:      s.Length - kerf,
		height:     s.Width - kerf,
		candidates: []point{{0, 0}},
	}
}

// admitsSheet reports whether an empty unit of class s admits the piece in
// some admissible orientation.
func admitsSheet(s Stock, p Piece, opts Options) bool {
	usableW, usableH := s.Length-opts.Kerf, s.Width-opts.Kerf
	for _, ori := range orientations(p, opts) {
		if ori.w <= usableW && ori.h <= usableH {
			return true
		}
	}
	return false
}
