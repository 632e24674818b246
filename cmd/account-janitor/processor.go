package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

// maxDequeueCount is how often a failing message is retried before it is
// dropped.
const maxDequeueCount = 10

type cleanupSource interface {
	Receive(ctx context.Context) (*storage.ReceivedCleanup, error)
	Complete(ctx context.Context, msg *storage.ReceivedCleanup) error
}

type accountPurger interface {
	PurgeAccount(ctx context.Context, accountID string) error
}

// processNext handles at most one message. It reports whether the queue had
// a message. A message whose purge fails stays on the queue and becomes
// visible again after the visibility timeout.
func processNext(ctx context.Context, q cleanupSource, p accountPurger) (bool, error) {
	msg, err := q.Receive(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	entry := log.WithFields(log.Fields{"message": msg.ID, "dequeueCount": msg.DequeueCount})

	if msg.DecodingError != nil {
		entry.WithError(msg.DecodingError).WithField("payload", msg.RawText).Warn("discarding unreadable cleanup message")
		return true, q.Complete(ctx, msg)
	}

	entry = entry.WithField("account", msg.AccountID)
	if err := p.PurgeAccount(ctx, msg.AccountID); err != nil {
		if msg.DequeueCount >= maxDequeueCount {
			entry.WithError(err).Error("giving up on account cleanup")
			return true, q.Complete(ctx, msg)
		}
		entry.WithError(err).Warn("account cleanup failed, will retry")
		return true, nil
	}
	entry.Info("account cleanup complete")
	return true, q.Complete(ctx, msg)
}

// run polls the queue until ctx is done, sleeping for idle whenever the queue
// is empty or unreachable.
func run(ctx context.Context, q cleanupSource, p accountPurger, idle time.Duration) {
	for ctx.Err() == nil {
		handled, err := processNext(ctx, q, p)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("cleanup queue")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(idle):
		}
	}
}
