package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
)

type fakeStore struct {
	mu            sync.Mutex
	accounts      map[string]Account
	boards        map[string]Board
	tickets       map[string]Ticket
	counters      map[string][2]int
	notifications map[string]Notification
	failNotify    map[string]bool
	ticketWrites  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:      map[string]Account{},
		boards:        map[string]Board{},
		tickets:       map[string]Ticket{},
		counters:      map[string][2]int{},
		notifications: map[string]Notification{},
		failNotify:    map[string]bool{},
	}
}

func (f *fakeStore) CreateAccount(ctx context.Context, acc *Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == acc.Email {
			return ErrConflict
		}
	}
	f.accounts[acc.ID] = *acc
	return nil
}

func (f *fakeStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return &a, nil
}

func (f *fakeStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s", ErrNotFound, email)
}

func (f *fakeStore) UpdateAccount(ctx context.Context, acc *Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[acc.ID]; !ok {
		return ErrNotFound
	}
	f.accounts[acc.ID] = *acc
	return nil
}

func (f *fakeStore) DeleteAccount(ctx context.Context, acc *Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, acc.ID)
	return nil
}

func (f *fakeStore) CreateBoard(ctx context.Context, b *Board) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	cp.Members = slices.Clone(b.Members)
	f.boards[b.ID] = cp
	return nil
}

func (f *fakeStore) GetBoard(ctx context.Context, id string) (*Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boardLocked(id)
}

func (f *fakeStore) boardLocked(id string) (*Board, error) {
	b, ok := f.boards[id]
	if !ok {
		return nil, fmt.Errorf("%w: board %s", ErrNotFound, id)
	}
	b.Members = slices.Clone(b.Members)
	c := f.counters[id]
	b.TicketCount, b.CompletedTicketCount = c[0], c[1]
	return &b, nil
}

func (f *fakeStore) FindBoardByName(ctx context.Context, ownerID, name string) (*Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, b := range f.boards {
		if b.OwnerID == ownerID && b.Name == name {
			return f.boardLocked(id)
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateBoard(ctx context.Context, b *Board) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.boards[b.ID]; !ok {
		return ErrNotFound
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
		return ErrNotFound
	}
	delete(f.boards, id)
	return nil
}

func (f *fakeStore) ListBoardsForAccount(ctx context.Context, accountID string) ([]Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Board{}
	for id, b := range f.boards {
		if b.IsParticipant(accountID) {
			cur, _ := f.boardLocked(id)
			out = append(out, *cur)
		}
	}
	return out, nil
}

func (f *fakeStore) applyDelta(boardID string, d CounterDelta) {
	c := f.counters[boardID]
	c[0], c[1] = d.Apply(c[0], c[1])
	f.counters[boardID] = c
}

func cloneTicket(t Ticket) Ticket {
	t.Assignees = slices.Clone(t.Assignees)
	t.Comments = slices.Clone(t.Comments)
	return t
}

func (f *fakeStore) CreateTicket(ctx context.Context, t *Ticket, delta CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[t.ID] = cloneTicket(*t)
	f.applyDelta(t.BoardID, delta)
	f.ticketWrites++
	return nil
}

func (f *fakeStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: ticket %s", ErrNotFound, id)
	}
	t = cloneTicket(t)
	return &t, nil
}

func (f *fakeStore) ListTickets(ctx context.Context, boardID string) ([]Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Ticket{}
	for _, t := range f.tickets {
		if t.BoardID == boardID {
			out = append(out, cloneTicket(t))
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTicket(ctx context.Context, t *Ticket, delta CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tickets[t.ID]; !ok {
		return ErrNotFound
	}
	f.tickets[t.ID] = cloneTicket(*t)
	f.applyDelta(t.BoardID, delta)
	f.ticketWrites++
	return nil
}

func (f *fakeStore) DeleteTicket(ctx context.Context, t *Ticket, delta CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tickets, t.ID)
	f.applyDelta(t.BoardID, delta)
	f.ticketWrites++
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

func (f *fakeStore) CreateNotification(ctx context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotify[n.UserID] {
		return errors.New("table unavailable")
	}
	f.notifications[n.ID] = *n
	return nil
}

func (f *fakeStore) GetNotification(ctx context.Context, userID, id string) (*Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok || n.UserID != userID {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	return &n, nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Notification{}
	for _, n := range f.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateNotification(ctx context.Context, n *Notification) error {
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

func (f *fakeStore) notificationsOf(userID string, typ NotificationType) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, n := range f.notifications {
		if n.UserID == userID && n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type pushed struct {
	userID string
	event  string
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []pushed
	err    error
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, userID, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, pushed{userID: userID, event: event})
	return nil
}

type fakeFiles struct {
	saved   []string
	removed []string
}

func (f *fakeFiles) SaveCommentAttachment(name string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	p := "/Uploads/comments/" + name
	f.saved = append(f.saved, p)
	return p, nil
}

func (f *fakeFiles) RemoveCommentAttachment(p string) error {
	f.removed = append(f.removed, p)
	return nil
}

func (f *fakeFiles) SaveProfileImage(name string, r io.Reader) (string, error) {
	p := "/profilePictures/" + name
	f.saved = append(f.saved, p)
	return p, nil
}

func (f *fakeFiles) RemoveProfileImage(p string) error {
	f.removed = append(f.removed, p)
	return nil
}

type fakeQueue struct {
	ids []string
	err error
}

func (q *fakeQueue) EnqueueAccountCleanup(ctx context.Context, id string) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

// fixture wires the services over one fake store.
type fixture struct {
	store    *fakeStore
	bc       *fakeBroadcaster
	notifier *Notifier
	boards   *BoardService
	tickets  *TicketService
}

func newFixture() *fixture {
	st := newFakeStore()
	bc := &fakeBroadcaster{}
	n := NewNotifier(st, bc, nil, 4)
	return &fixture{
		store:    st,
		bc:       bc,
		notifier: n,
		boards:   NewBoardService(st, n),
		tickets:  NewTicketService(st, n),
	}
}

func (fx *fixture) account(t *testing.T, id, email string, p Profession) *Account {
	t.Helper()
	acc := &Account{ID: id, Email: email, Name: id, Profession: p}
	if err := fx.store.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acc
}

func (fx *fixture) board(t *testing.T, ownerID, name string, memberEmails ...string) *Board {
	t.Helper()
	b, _, err := fx.boards.Create(context.Background(), ownerID, CreateBoardInput{Name: name, MemberEmails: memberEmails})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return b
}
