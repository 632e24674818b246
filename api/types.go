package api

import (
	"context"

	"taskboard/domain"
)

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// TokenIssuer signs tokens for authenticated accounts.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Deduper remembers idempotency keys.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Attachments resolves stored comment attachments for download.
type Attachments interface {
	CommentAttachment(name string) (string, error)
}

// Services bundles the domain layer used by the handlers.
type Services struct {
	Accounts      *domain.AccountService
	Boards        *domain.BoardService
	Tickets       *domain.TicketService
	Comments      *domain.CommentService
	Notifications *domain.Notifier
	Assistant     *domain.Assistant
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
