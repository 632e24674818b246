package domain

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const deadlineDateLayout = "2006-01-02"

// CreateTicketInput carries the fields accepted when creating a ticket.
// Empty enum fields fall back to their defaults.
type CreateTicketInput struct {
	BoardID        string
	Title          string
	Description    string
	Status         string
	Priority       string
	Deadline       string
	AssigneeEmails []string
}

// UpdateTicketInput is a partial ticket update. A non-nil AssigneeEmails
// replaces the assignee set; an empty Deadline clears it.
type UpdateTicketInput struct {
	Title          *string
	Description    *string
	Status         *string
	Priority       *string
	Deadline       *string
	AssigneeEmails *[]string
}

// TicketService implements ticket operations.
type TicketService struct {
	store    Store
	notifier *Notifier
	now      func() time.Time
}

func NewTicketService(store Store, notifier *Notifier) *TicketService {
	return &TicketService{store: store, notifier: notifier, now: time.Now}
}

// Create validates and persists a ticket, updating the board counters in the
// same write, then notifies the assignees.
func (s *TicketService) Create(ctx context.Context, actorID string, in CreateTicketInput) (*Ticket, FanOutSummary, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, FanOutSummary{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	boardID := strings.TrimSpace(in.BoardID)
	if boardID == "" {
		return nil, FanOutSummary{}, fmt.Errorf("%w: board id is required", ErrValidation)
	}
	status := StatusNotStarted
	if in.Status != "" {
		st, err := ParseStatus(in.Status)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		status = st
	}
	priority := PriorityMedium
	if in.Priority != "" {
		p, err := ParsePriority(in.Priority)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		priority = p
	}
	deadline, err := parseDeadline(in.Deadline)
	if err != nil {
		return nil, FanOutSummary{}, err
	}

	b, err := loadBoardFor(ctx, s.store, boardID, actorID)
	if err != nil {
		return nil, FanOutSummary{}, err
	}
	assignees, err := resolveEmails(ctx, s.store, in.AssigneeEmails)
	if err != nil {
		return nil, FanOutSummary{}, err
	}
	if err := checkAssignable(b, assignees); err != nil {
		return nil, FanOutSummary{}, err
	}

	t := &Ticket{
		BoardID:     b.ID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      status,
		Priority:    priority,
		Deadline:    deadline,
		Assignees:   assignees,
	}
	if err := s.insert(ctx, t); err != nil {
		return nil, FanOutSummary{}, err
	}
	return t, s.notifyAssigned(ctx, t, t.Assignees), nil
}

// insert stores a validated ticket and its counter increments.
func (s *TicketService) insert(ctx context.Context, t *Ticket) error {
	now := s.now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Assignees == nil {
		t.Assignees = []string{}
	}
	if t.Comments == nil {
		t.Comments = []Comment{}
	}
	delta := CounterDelta{Tickets: 1}
	if t.Status == StatusDone {
		delta.Completed = 1
	}
	if err := s.store.CreateTicket(ctx, t, delta); err != nil {
		return err
	}
	log.WithFields(log.Fields{"ticket": t.ID, "board": t.BoardID}).Info("ticket created")
	return nil
}

// Get returns a ticket on a board the actor takes part in.
func (s *TicketService) Get(ctx context.Context, actorID, ticketID string) (*Ticket, error) {
	t, _, err := s.load(ctx, actorID, ticketID)
	return t, err
}

func (s *TicketService) load(ctx context.Context, actorID, ticketID string) (*Ticket, *Board, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	b, err := loadBoardFor(ctx, s.store, t.BoardID, actorID)
	if err != nil {
		return nil, nil, err
	}
	return t, b, nil
}

// Update applies a partial update and the resulting counter delta atomically.
// Only users who were not assigned before are notified.
func (s *TicketService) Update(ctx context.Context, actorID, ticketID string, in UpdateTicketInput) (*Ticket, FanOutSummary, error) {
	t, b, err := s.load(ctx, actorID, ticketID)
	if err != nil {
		return nil, FanOutSummary{}, err
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, FanOutSummary{}, fmt.Errorf("%w: title is required", ErrValidation)
		}
		t.Title = title
	}
	if in.Description != nil {
		t.Description = strings.TrimSpace(*in.Description)
	}
	var delta CounterDelta
	if in.Status != nil {
		st, err := ParseStatus(*in.Status)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		delta.Completed = statusDelta(t.Status, st)
		t.Status = st
	}
	if in.Priority != nil {
		p, err := ParsePriority(*in.Priority)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		t.Priority = p
	}
	if in.Deadline != nil {
		d, err := parseDeadline(*in.Deadline)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		t.Deadline = d
	}
	var newly []string
	if in.AssigneeEmails != nil {
		ids, err := resolveEmails(ctx, s.store, *in.AssigneeEmails)
		if err != nil {
			return nil, FanOutSummary{}, err
		}
		if err := checkAssignable(b, ids); err != nil {
			return nil, FanOutSummary{}, err
		}
		for _, id := range ids {
			if !t.IsAssigned(id) {
				newly = append(newly, id)
			}
		}
		t.Assignees = ids
	}

	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTicket(ctx, t, delta); err != nil {
		return nil, FanOutSummary{}, err
	}
	return t, s.notifyAssigned(ctx, t, newly), nil
}

// Delete removes a ticket and decrements the board counters.
func (s *TicketService) Delete(ctx context.Context, actorID, ticketID string) error {
	t, _, err := s.load(ctx, actorID, ticketID)
	if err != nil {
		return err
	}
	delta := CounterDelta{Tickets: -1}
	if t.Status == StatusDone {
		delta.Completed = -1
	}
	if err := s.store.DeleteTicket(ctx, t, delta); err != nil {
		return err
	}
	log.WithFields(log.Fields{"ticket": t.ID, "board": t.BoardID}).Info("ticket deleted")
	return nil
}

// Assign adds the account with email to the ticket's assignees.
func (s *TicketService) Assign(ctx context.Context, actorID, ticketID, email string) (*Ticket, error) {
	t, b, err := s.load(ctx, actorID, ticketID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if !b.IsParticipant(target.ID) {
		return nil, fmt.Errorf("%w: %s is not a member of the board", ErrForbidden, target.Email)
	}
	if t.IsAssigned(target.ID) {
		return nil, fmt.Errorf("%w: %s is already assigned", ErrConflict, target.Email)
	}
	t.Assignees = append(t.Assignees, target.ID)
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTicket(ctx, t, CounterDelta{}); err != nil {
		return nil, err
	}
	s.notifyAssigned(ctx, t, []string{target.ID})
	return t, nil
}

// Unassign removes the account with email from the ticket's assignees.
func (s *TicketService) Unassign(ctx context.Context, actorID, ticketID, email string) (*Ticket, error) {
	t, _, err := s.load(ctx, actorID, ticketID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if !t.IsAssigned(target.ID) {
		return nil, fmt.Errorf("%w: %s is not assigned to the ticket", ErrNotFound, target.Email)
	}
	t.Assignees = removeAll(t.Assignees, target.ID)
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTicket(ctx, t, CounterDelta{}); err != nil {
		return nil, err
	}
	return t, nil
}

// ListForBoard returns the tickets of a board, oldest first.
func (s *TicketService) ListForBoard(ctx context.Context, actorID, boardID string) ([]Ticket, error) {
	if _, err := loadBoardFor(ctx, s.store, boardID, actorID); err != nil {
		return nil, err
	}
	return s.listSorted(ctx, boardID)
}

func (s *TicketService) listSorted(ctx context.Context, boardID string) ([]Ticket, error) {
	items, err := s.store.ListTickets(ctx, boardID)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(items, func(a, b Ticket) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return items, nil
}

// ListMine returns the tickets assigned to the actor across all boards.
func (s *TicketService) ListMine(ctx context.Context, actorID string) ([]Ticket, error) {
	boards, err := s.store.ListBoardsForAccount(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := []Ticket{}
	for _, b := range boards {
		items, err := s.listSorted(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, assignedTo(items, actorID)...)
	}
	return out, nil
}

// ListMineForBoard returns the tickets of one board assigned to the actor.
func (s *TicketService) ListMineForBoard(ctx context.Context, actorID, boardID string) ([]Ticket, error) {
	items, err := s.ListForBoard(ctx, actorID, boardID)
	if err != nil {
		return nil, err
	}
	return assignedTo(items, actorID), nil
}

// Assignees returns public info for the accounts assigned to a ticket.
func (s *TicketService) Assignees(ctx context.Context, actorID, ticketID string) ([]AccountInfo, error) {
	t, _, err := s.load(ctx, actorID, ticketID)
	if err != nil {
		return nil, err
	}
	out := make([]AccountInfo, 0, len(t.Assignees))
	for _, id := range t.Assignees {
		acc, err := s.store.GetAccount(ctx, id)
		if err != nil {
			log.WithFields(log.Fields{"ticket": t.ID, "account": id}).WithError(err).Debug("skipping assignee")
			continue
		}
		out = append(out, acc.Info())
	}
	return out, nil
}

func (s *TicketService) notifyAssigned(ctx context.Context, t *Ticket, users []string) FanOutSummary {
	if len(users) == 0 {
		return FanOutSummary{}
	}
	msg := fmt.Sprintf("You have been assigned to the ticket %q", t.Title)
	return s.notifier.FanOut(ctx, users, NotificationAssigned, msg, t.ID)
}

func assignedTo(items []Ticket, accountID string) []Ticket {
	out := []Ticket{}
	for _, t := range items {
		if t.IsAssigned(accountID) {
			out = append(out, t)
		}
	}
	return out
}

// checkAssignable rejects assignees outside the board's owner and members.
func checkAssignable(b *Board, ids []string) error {
	for _, id := range ids {
		if !b.IsParticipant(id) {
			return fmt.Errorf("%w: assignee %s is not a member of board %s", ErrForbidden, id, b.ID)
		}
	}
	return nil
}

func parseDeadline(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if t, err := time.Parse(deadlineDateLayout, s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("%w: invalid deadline %q", ErrValidation, s)
}
