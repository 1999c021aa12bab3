package task

import "context"

// RunCycle runs a single worker cycle with ctx governing both leasing and
// the attempts. It backs the manual trigger endpoint and tests.
func (w *Worker) RunCycle(ctx context.Context) (CycleStats, error) {
	return w.cycle(ctx, ctx)
}
