package node

import (
	"context"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/poller"
)

// Service is an extra long running task started next to the pipeline,
// such as the admin API.
type Service func(ctx context.Context) error

// Run starts every component and blocks until ctx ends or one of them
// fails. The first failure cancels the rest.
func (n *Node) Run(ctx context.Context, services ...Service) error {
	n.bootstrap(ctx)

	updates := make(chan *poller.Update)

	tasks := []Service{
		func(ctx context.Context) error { n.pool.Run(ctx); return nil },
		n.poller.Run,
		func(ctx context.Context) error { return n.fanOut(ctx, updates) },
		func(ctx context.Context) error { return n.engine.Run(ctx, updates, n.coord.Results()) },
		n.coord.Run,
		n.dispatcher.Run,
	}
	if n.withdrawals != nil {
		tasks = append(tasks, n.withdrawals.Run)
	}
	tasks = append(tasks, services...)

	workers := pond.NewPool(len(tasks))
	defer workers.StopAndWait()

	group := workers.NewGroupContext(ctx)
	gctx := group.Context()

	for _, task := range tasks {
		task := task
		group.SubmitErr(func() error {
			return task(gctx)
		})
	}

	n.logger.WithField("self", n.signer.ID()).Info("bridge node running")

	err := group.Wait()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, pond.ErrGroupStopped) {
		n.logger.Warn("shutting down")
		return nil
	}

	n.logger.WithError(err).Error("component failed")
	return err
}

// fanOut hands poll updates to validation and the tracked transaction
// statuses to the withdrawal manager.
func (n *Node) fanOut(ctx context.Context, out chan<- *poller.Update) error {
	defer close(out)

	in := n.poller.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-in:
			if n.withdrawals != nil && len(u.TxStatuses) > 0 {
				n.withdrawals.OnTxStatus(ctx, u.Tip, u.TxStatuses)
			}

			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
