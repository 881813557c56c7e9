package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Run serves every message kind a accepts until ctx is done. Peers get a
// QUERY loop beside their TASK loop so they can answer neighbors while
// waiting on their own queries; the other variants get one loop.
func Run(ctx context.Context, a Agent, r Router) error {
	switch KindOf(a) {
	case KindPeer:
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return Serve(ctx, a, r, OfType(models.MsgQuery)) })
		g.Go(func() error { return Serve(ctx, a, r, OfType(models.MsgTask)) })
		return g.Wait()
	case KindManager, KindWorker, KindBlackboard:
		return Serve(ctx, a, r, OfType(models.MsgTask))
	}
	return fmt.Errorf("%w: unknown agent kind", ErrUnexpectedMessage)
}

// Serve processes messages from a's inbox that are accepted by match, one
// at a time, routing each reply through r. It returns when ctx is done.
// A reply produced after ctx is done is discarded, since the run that
// asked for it is over.
func Serve(ctx context.Context, a Agent, r Router, match func(models.Message) bool) error {
	logger := logging.OrGlobal(a.Logger())

	for {
		msg, err := a.Inbox().Receive(ctx, match)
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			logger.Debug("Dropping message after shutdown", logging.String("message_id", msg.ID()))
			return nil
		}

		reply, err := a.Process(ctx, msg)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Message processing failed",
				logging.String("message_id", msg.ID()),
				logging.String("type", string(msg.Type())),
				logging.Err(err))
		}
		if reply.IsZero() {
			continue
		}
		if ctx.Err() != nil {
			logger.Debug("Discarding late reply",
				logging.String("message_id", reply.ID()),
				logging.String("receiver", reply.Receiver()))
			continue
		}
		if err := r.Send(ctx, reply); err != nil {
			logger.Warn("Reply not delivered",
				logging.String("receiver", reply.Receiver()),
				logging.Err(err))
		}
	}
}
