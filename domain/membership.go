package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// resolveEmails maps member emails to account ids, preserving input order and
// dropping duplicates. The first unknown email fails the whole lookup.
func resolveEmails(ctx context.Context, accounts AccountStore, emails []string) ([]string, error) {
	ids := make([]string, 0, len(emails))
	seen := make(map[string]struct{}, len(emails))
	for _, raw := range emails {
		email := NormalizeEmail(raw)
		if email == "" {
			continue
		}
		acc, err := accounts.GetAccountByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: no account with email %s", ErrValidation, email)
		}
		if err != nil {
			return nil, err
		}
		if _, ok := seen[acc.ID]; ok {
			continue
		}
		seen[acc.ID] = struct{}{}
		ids = append(ids, acc.ID)
	}
	return ids, nil
}

// NormalizeEmail lower-cases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func removeAll(ids []string, drop ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		keep := true
		for _, d := range drop {
			if id == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, id)
		}
	}
	return out
}

// loadBoardFor fetches a board and checks that actorID takes part in it.
func loadBoardFor(ctx context.Context, boards BoardStore, boardID, actorID string) (*Board, error) {
	b, err := boards.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if !b.IsParticipant(actorID) {
		return nil, fmt.Errorf("%w: not a member of board %s", ErrForbidden, boardID)
	}
	return b, nil
}
