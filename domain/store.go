package domain

import "context"

// Lookups return an error wrapping ErrNotFound when the record is absent.

// AccountStore persists accounts and the unique email index.
type AccountStore interface {
	// CreateAccount fails with ErrConflict when the email is already in use.
	CreateAccount(ctx context.Context, acc *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdateAccount(ctx context.Context, acc *Account) error
	DeleteAccount(ctx context.Context, acc *Account) error
}

// BoardStore persists boards. Counters are read from the ticket partition.
type BoardStore interface {
	CreateBoard(ctx context.Context, b *Board) error
	GetBoard(ctx context.Context, id string) (*Board, error)
	// FindBoardByName returns nil, nil when the owner has no such board.
	FindBoardByName(ctx context.Context, ownerID, name string) (*Board, error)
	UpdateBoard(ctx context.Context, b *Board) error
	DeleteBoard(ctx context.Context, id string) error
	ListBoardsForAccount(ctx context.Context, accountID string) ([]Board, error)
}

// TicketStore persists tickets. Every write carries the counter delta for the
// owning board and applies both atomically.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *Ticket, delta CounterDelta) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	ListTickets(ctx context.Context, boardID string) ([]Ticket, error)
	UpdateTicket(ctx context.Context, t *Ticket, delta CounterDelta) error
	DeleteTicket(ctx context.Context, t *Ticket, delta CounterDelta) error
	DeleteTicketsForBoard(ctx context.Context, boardID string) error
}

// NotificationStore persists notifications partitioned by target account.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, userID, id string) (*Notification, error)
	ListNotifications(ctx context.Context, userID string) ([]Notification, error)
	UpdateNotification(ctx context.Context, n *Notification) error
	DeleteNotification(ctx context.Context, userID, id string) error
	DeleteNotificationsForAccount(ctx context.Context, userID string) error
}

// NotifierStore is the persistence a Notifier needs: notifications, plus
// account lookup to check the target of an explicit request.
type NotifierStore interface {
	NotificationStore
	GetAccount(ctx context.Context, id string) (*Account, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	AccountStore
	BoardStore
	TicketStore
	NotificationStore
}

// CleanupQueue schedules asynchronous removal of references to deleted accounts.
type CleanupQueue interface {
	EnqueueAccountCleanup(ctx context.Context, accountID string) error
}
