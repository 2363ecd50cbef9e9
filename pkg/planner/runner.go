package planner

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
)

// Submitter is the router surface the runner needs.
type Submitter interface {
	Submit(ctx context.Context, req models.GenerationRequest) models.DispatchOutcome
}

// TierReport tallies outcomes for one requested tier.
type TierReport struct {
	Submitted  int                      `json:"submitted"`
	Succeeded  int                      `json:"succeeded"`
	Downgraded int                      `json:"downgraded"`
	Credits    int64                    `json:"credits"`
	Failed     map[models.ErrorKind]int `json:"failed,omitempty"`
}

// Report is the result of running a set of batches.
type Report struct {
	Tiers map[models.Capability]*TierReport `json:"tiers"`
}

// Total sums submitted and succeeded requests across tiers.
func (r Report) Total() (submitted, succeeded int) {
	for _, t := range r.Tiers {
		submitted += t.Submitted
		succeeded += t.Succeeded
	}
	return submitted, succeeded
}

// Runner submits planned batches through the router.
type Runner struct {
	submitter   Submitter
	concurrency int
}

// NewRunner returns a Runner. concurrency bounds requests in flight (default 4).
func NewRunner(s Submitter, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{submitter: s, concurrency: concurrency}
}

// Run submits every batch in slot order, waiting for each batch before the
// next. It stops early when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, batches []Batch) (Report, error) {
	log := logging.Component("planner")
	rep := Report{Tiers: make(map[models.Capability]*TierReport)}
	var mu sync.Mutex

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for _, req := range b.Requests {
			g.Go(func() error {
				out := r.submitter.Submit(gctx, req)
				mu.Lock()
				defer mu.Unlock()
				tr, ok := rep.Tiers[req.Capability]
				if !ok {
					tr = &TierReport{Failed: make(map[models.ErrorKind]int)}
					rep.Tiers[req.Capability] = tr
				}
				tr.Submitted++
				if out.Succeeded() {
					tr.Succeeded++
					tr.Credits += out.CreditsConsumed
					if out.Meta.WasDowngraded {
						tr.Downgraded++
					}
				} else {
					tr.Failed[out.Kind]++
				}
				return nil
			})
		}
		_ = g.Wait()
		log.Debug("batch done", "slot", b.Slot, "requests", len(b.Requests))
	}
	return rep, nil
}
