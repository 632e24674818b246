package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxCleanupAttempts = 5

// Janitor removes every reference to a deleted account.
type Janitor struct {
	store  Store
	boards *BoardService
	now    func() time.Time
}

func NewJanitor(store Store) *Janitor {
	return &Janitor{store: store, boards: NewBoardService(store, nil), now: time.Now}
}

// PurgeAccount deletes boards owned by accountID, drops it from member and
// assignee sets of other boards and deletes its notifications. Running it
// again for the same account is a no-op.
func (j *Janitor) PurgeAccount(ctx context.Context, accountID string) error {
	boards, err := j.store.ListBoardsForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list boards: %w", err)
	}
	for _, b := range boards {
		if b.IsOwner(accountID) {
			if err := j.boards.purge(ctx, b.ID); err != nil {
				return err
			}
			continue
		}
		if err := j.unassignAll(ctx, b.ID, accountID); err != nil {
			return err
		}
		if err := j.leaveBoard(ctx, b.ID, accountID); err != nil {
			return err
		}
	}
	if err := j.store.DeleteNotificationsForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	log.WithFields(log.Fields{"account": accountID, "boards": len(boards)}).Info("account references purged")
	return nil
}

func (j *Janitor) leaveBoard(ctx context.Context, boardID, accountID string) error {
	return retryOnConflict(func() error {
		b, err := j.store.GetBoard(ctx, boardID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !b.IsMember(accountID) {
			return nil
		}
		b.Members = removeAll(b.Members, accountID)
		b.UpdatedAt = j.now().UTC()
		return j.store.UpdateBoard(ctx, b)
	})
}

func (j *Janitor) unassignAll(ctx context.Context, boardID, accountID string) error {
	tickets, err := j.store.ListTickets(ctx, boardID)
	if err != nil {
		return fmt.Errorf("list tickets of board %s: %w", boardID, err)
	}
	for _, t := range tickets {
		if !t.IsAssigned(accountID) {
			continue
		}
		err := retryOnConflict(func() error {
			cur, err := j.store.GetTicket(ctx, t.ID)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !cur.IsAssigned(accountID) {
				return nil
			}
			cur.Assignees = removeAll(cur.Assignees, accountID)
			cur.UpdatedAt = j.now().UTC()
			return j.store.UpdateTicket(ctx, cur, CounterDelta{})
		})
		if err != nil {
			return fmt.Errorf("unassign from ticket %s: %w", t.ID, err)
		}
	}
	return nil
}

// retryOnConflict reruns fn while it fails with ErrConcurrencyConflict.
func retryOnConflict(fn func() error) error {
	var err error
	for range maxCleanupAttempts {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}
