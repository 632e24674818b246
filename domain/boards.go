package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CreateBoardInput carries the fields accepted when creating a board.
type CreateBoardInput struct {
	Name         string
	Description  string
	MemberEmails []string
}

// UpdateBoardInput is a partial board update. Nil fields are left unchanged.
type UpdateBoardInput struct {
	Name          *string
	Description   *string
	AddMembers    []string
	RemoveMembers []string
}

// BoardService implements board operations.
type BoardService struct {
	store    Store
	notifier *Notifier
	now      func() time.Time
}

func NewBoardService(store Store, notifier *Notifier) *BoardService {
	return &BoardService{store: store, notifier: notifier, now: time.Now}
}

// Create persists a new board owned by ownerID and tells every participant.
func (s *BoardService) Create(ctx context.Context, ownerID string, in CreateBoardInput) (*Board, FanOutSummary, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, FanOutSummary{}, fmt.Errorf("%w: board name is required", ErrValidation)
	}
	existing, err := s.store.FindBoardByName(ctx, ownerID, name)
	if err != nil {
		return nil, FanOutSummary{}, err
	}
	if existing != nil {
		return nil, FanOutSummary{}, fmt.Errorf("%w: board %q already exists", ErrConflict, name)
	}
	members, err := resolveEmails(ctx, s.store, in.MemberEmails)
	if err != nil {
		return nil, FanOutSummary{}, err
	}
	now := s.now().UTC()
	b := &Board{
		ID:          uuid.NewString(),
		Name:        name,
		OwnerID:     ownerID,
		Description: strings.TrimSpace(in.Description),
		Members:     removeAll(members, ownerID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBoard(ctx, b); err != nil {
		return nil, FanOutSummary{}, err
	}
	log.WithFields(log.Fields{"board": b.ID, "owner": ownerID, "members": len(b.Members)}).Info("board created")

	msg := fmt.Sprintf("You have been added to the board %q", b.Name)
	summary := s.notifier.FanOut(ctx, b.Participants(), NotificationAddedToBoard, msg, b.ID)
	return b, summary, nil
}

// Get returns a board the actor takes part in.
func (s *BoardService) Get(ctx context.Context, actorID, boardID string) (*Board, error) {
	return loadBoardFor(ctx, s.store, boardID, actorID)
}

// Update applies a partial update. Only newly added members are notified.
func (s *BoardService) Update(ctx context.Context, actorID, boardID string, in UpdateBoardInput) (*Board, FanOutSummary, error) {
	b, err := loadBoardFor(ctx, s.store, boardID, actorID)
	if err != nil {
		return nil, FanOutSummary{}, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, FanOutSummary{}, fmt.Errorf("%w: board name is required", ErrValidation)
		}
		if name != b.Name {
			other, err := s.store.FindBoardByName(ctx, b.OwnerID, name)
			if err != nil {
				return nil, FanOutSummary{}, err
			}
			if other != nil && other.ID != b.ID {
				return nil, FanOutSummary{}, fmt.Errorf("%w: board %q already exists", ErrConflict, name)
			}
			b.Name = name
		}
	}
	if in.Description != nil {
		b.Description = strings.TrimSpace(*in.Description)
	}

	var added []string
	if len(in.AddMembers) > 0 {
		ids, err := resolveEmails(ctx, s.store, in.AddMembers)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		for _, id := range ids {
			if b.IsParticipant(id) {
				continue
			}
			b.Members = append(b.Members, id)
			added = append(added, id)
		}
	}
	if len(in.RemoveMembers) > 0 {
		ids, err := resolveEmails(ctx, s.store, in.RemoveMembers)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		// the owner is never a member, so it cannot be removed here
		b.Members = removeAll(b.Members, ids...)
		added = removeAll(added, ids...)
	}

	b.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		return nil, FanOutSummary{}, err
	}

	msg := fmt.Sprintf("You have been added to the board %q", b.Name)
	summary := s.notifier.FanOut(ctx, added, NotificationAddedToBoard, msg, b.ID)
	return b, summary, nil
}

// Delete removes a board and all of its tickets. Only the owner may delete.
func (s *BoardService) Delete(ctx context.Context, actorID, boardID string) error {
	b, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !b.IsOwner(actorID) {
		return fmt.Errorf("%w: only the owner can delete board %s", ErrForbidden, boardID)
	}
	return s.purge(ctx, b.ID)
}

func (s *BoardService) purge(ctx context.Context, boardID string) error {
	if err := s.store.DeleteTicketsForBoard(ctx, boardID); err != nil {
		return fmt.Errorf("delete tickets of board %s: %w", boardID, err)
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	log.WithField("board", boardID).Info("board deleted")
	return nil
}

// ListForUser returns the boards the account with email owns or is a member of.
// Accounts may only list their own boards.
func (s *BoardService) ListForUser(ctx context.Context, actorID, email string) ([]Board, error) {
	acc, err := s.store.GetAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if acc.ID != actorID {
		return nil, fmt.Errorf("%w: cannot list boards of another account", ErrForbidden)
	}
	return s.store.ListBoardsForAccount(ctx, acc.ID)
}

// Members returns public info for the owner and members of a board, owner
// first. Accounts that no longer exist are skipped.
func (s *BoardService) Members(ctx context.Context, actorID, boardID string) ([]AccountInfo, error) {
	b, err := loadBoardFor(ctx, s.store, boardID, actorID)
	if err != nil {
		return nil, err
	}
	return participantInfo(ctx, s.store, b)
}

func participantInfo(ctx context.Context, accounts AccountStore, b *Board) ([]AccountInfo, error) {
	ids := b.Participants()
	out := make([]AccountInfo, 0, len(ids))
	for _, id := range ids {
		acc, err := accounts.GetAccount(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, acc.Info())
	}
	return out, nil
}
