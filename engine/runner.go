package engine

import (
	"context"

	"github.com/cutfactor/cutcore/domain"
	"github.com/cutfactor/cutcore/packing"
	"github.com/cutfactor/cutcore/pool"
)

// packRequest is the pool task payload for one packing run.
type packRequest struct {
	Algorithm packing.Algorithm
	Pieces    []packing.Piece
	Stock     []packing.Stock
	Options   packing.Options
}

// runPack executes a packing request on a pool worker, forwarding strategy
// progress to the pool's progress stream.
func runPack(ctx context.Context, task pool.Task, report func(float64)) (any, error) {
	req, ok := task.Payload.(packRequest)
	if !ok {
		return nil, domain.Ef(domain.KindValidation, "task %s carries no packing request", task.ID)
	}
	opts := req.Options
	opts.OnProgress = func(p packing.Progress) {
		if p.Total > 0 {
			report(float64(p.Done) / float64(p.Total))
		}
	}
	return packing.Run(ctx, req.Algorithm, req.Pieces, req.Stock, opts)
}

// Runners returns the pool options registering the packing runners for
// both task kinds.
func Runners() []pool.Option {
	return []pool.Option{
		pool.WithRunner(pool.Kind1D, runPack),
		pool.WithRunner(pool.Kind2D, runPack),
	}
}
