package budget

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/logging"
)

// BalanceSource looks up the balance reporter for an account.
type BalanceSource interface {
	BalanceReporter(id string) (adapter.BalanceReporter, bool)
}

// Poller periodically refreshes limited budgets from their providers.
type Poller struct {
	tracker  *Tracker
	source   BalanceSource
	interval time.Duration
	timeout  time.Duration
}

// NewPoller creates a Poller. Each balance query is bounded by timeout.
func NewPoller(t *Tracker, source BalanceSource, interval, timeout time.Duration) *Poller {
	return &Poller{tracker: t, source: source, interval: interval, timeout: timeout}
}

// Poll refreshes every active, limited account once.
func (p *Poller) Poll(ctx context.Context) {
	log := logging.Component("budget")
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, a := range p.tracker.reg.List() {
		if !a.Active || a.AccountSpec.Budget == nil {
			continue
		}
		br, ok := p.source.BalanceReporter(a.ID)
		if !ok {
			continue
		}
		id := a.ID
		g.Go(func() error {
			qctx := ctx
			if p.timeout > 0 {
				var cancel context.CancelFunc
				qctx, cancel = context.WithTimeout(ctx, p.timeout)
				defer cancel()
			}
			bal, err := br.Balance(qctx)
			switch {
			case errors.Is(err, adapter.ErrBalanceUnsupported):
				return nil
			case err != nil:
				if serr := p.tracker.MarkStale(id, err); serr != nil {
					log.Warn("mark stale", "account", id, "err", serr)
				}
			default:
				if rerr := p.tracker.RefreshBalance(id, bal); rerr != nil {
					log.Warn("refresh balance", "account", id, "err", rerr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run polls on every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
