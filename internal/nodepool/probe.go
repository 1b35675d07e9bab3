package nodepool

import (
	"context"
	"time"
)

// Run re-probes Dead nodes until ctx ends. A successful probe brings the
// node back to Active; a failed one pushes its next probe further out.
func (p *Pool) Run(ctx context.Context) {
	interval := p.reg.opts.ProbeInterval / 4
	if interval < time.Second {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ProbeDead(ctx)
		}
	}
}

// ProbeDead probes every Dead node that is due.
func (p *Pool) ProbeDead(ctx context.Context) {
	group := p.workers.NewGroup()

	for _, b := range p.reg.dueProbes() {
		b := b
		group.Submit(func() {
			cctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
			defer cancel()

			if _, err := b.TipHeight(cctx); err != nil {
				if ctx.Err() == nil {
					p.reg.ReportFailure(b.ID(), err)
				}
				return
			}

			p.reg.ReportSuccess(b.ID())
			p.log.WithField("node", b.ID()).Info("dead node answered probe")
		})
	}

	group.Wait()
}
