package api

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"taskboard/domain"
)

type fakeStore struct {
	mu            sync.Mutex
	accounts      map[string]domain.Account
	boards        map[string]domain.Board
	tickets       map[string]domain.Ticket
	counters      map[string][2]int
	notifications map[string]domain.Notification
	failNotify    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:      map[string]domain.Account{},
		boards:        map[string]domain.Board{},
		tickets:       map[string]domain.Ticket{},
		counters:      map[string][2]int{},
		notifications: map[string]domain.Notification{},
		failNotify:    map[string]bool{},
	}
}

func (f *fakeStore) CreateAccount(ctx context.Context, acc *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == acc.Email {
			return domain.ErrConflict
		}
	}
	f.accounts[acc.ID] = *acc
	return nil
}

func (f *fakeStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return &a, nil
}

func (f *fakeStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, email)
}

func (f *fakeStore) UpdateAccount(ctx context.Context, acc *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[acc.ID]; !ok {
		return domain.ErrNotFound
	}
	f.accounts[acc.ID] = *acc
	return nil
}

func (f *fakeStore) DeleteAccount(ctx context.Context, acc *domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, acc.ID)
	return nil
}

func (f *fakeStore) CreateBoard(ctx context.Context, b *domain.Board) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	cp.Members = slices.Clone(b.Members)
	f.boards[b.ID] = cp
	return nil
}

func (f *fakeStore) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boardLocked(id)
}

func (f *fakeStore) boardLocked(id string) (*domain.Board, error) {
	b, ok := f.boards[id]
	if !ok {
		return nil, fmt.Errorf("%w: board %s", domain.ErrNotFound, id)
	}
	b.Members = slices.Clone(b.Members)
	c := f.counters[id]
	b.TicketCount, b.CompletedTicketCount = c[0], c[1]
	return &b, nil
}

func (f *fakeStore) FindBoardByName(ctx context.Context, ownerID, name string) (*domain.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, b := range f.boards {
		if b.OwnerID == ownerID && b.Name == name {
			return f.boardLocked(id)
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateBoard(ctx context.Context, b *domain.Board) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.boards[b.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *b
	cp.Members = slices.Clone(b.Members)
	f.boards[b.ID] = cp
	return nil
}

func (f *fakeStore) DeleteBoard(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.boards[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.boards, id)
	return nil
}

func (f *fakeStore) ListBoardsForAccount(ctx context.Context, accountID string) ([]domain.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Board{}
	for id, b := range f.boards {
		if b.IsParticipant(accountID) {
			cur, _ := f.boardLocked(id)
			out = append(out, *cur)
		}
	}
	return out, nil
}

func (f *fakeStore) applyDelta(boardID string, d domain.CounterDelta) {
	c := f.counters[boardID]
	c[0], c[1] = d.Apply(c[0], c[1])
	f.counters[boardID] = c
}

func cloneTicket(t domain.Ticket) domain.Ticket {
	t.Assignees = slices.Clone(t.Assignees)
	t.Comments = slices.Clone(t.Comments)
	return t
}

func (f *fakeStore) CreateTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[t.ID] = cloneTicket(*t)
	f.applyDelta(t.BoardID, delta)
	return nil
}

func (f *fakeStore) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: ticket %s", domain.ErrNotFound, id)
	}
	t = cloneTicket(t)
	return &t, nil
}

func (f *fakeStore) ListTickets(ctx context.Context, boardID string) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Ticket{}
	for _, t := range f.tickets {
		if t.BoardID == boardID {
			out = append(out, cloneTicket(t))
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tickets[t.ID]; !ok {
		return domain.ErrNotFound
	}
	f.tickets[t.ID] = cloneTicket(*t)
	f.applyDelta(t.BoardID, delta)
	return nil
}

func (f *fakeStore) DeleteTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tickets, t.ID)
	f.applyDelta(t.BoardID, delta)
	return nil
}

func (f *fakeStore) DeleteTicketsForBoard(ctx context.Context, boardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.tickets {
		if t.BoardID == boardID {
			delete(f.tickets, id)
		}
	}
	delete(f.counters, boardID)
	return nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotify[n.UserID] {
		return errors.New("table unavailable")
	}
	f.notifications[n.ID] = *n
	return nil
}

func (f *fakeStore) GetNotification(ctx context.Context, userID, id string) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok || n.UserID != userID {
		return nil, fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	return &n, nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Notification{}
	for _, n := range f.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateNotification(ctx context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[n.ID] = *n
	return nil
}

func (f *fakeStore) DeleteNotification(ctx context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notifications, id)
	return nil
}

func (f *fakeStore) DeleteNotificationsForAccount(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.notifications {
		if n.UserID == userID {
			delete(f.notifications, id)
		}
	}
	return nil
}
