package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Real-time event names pushed to account rooms.
const (
	EventNewNotification     = "new-notification"
	EventNotificationDeleted = "notification-deleted"
)

const defaultFanOutConcurrency = 8

// Broadcaster pushes an event to every live connection of an account.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID, event string, payload any) error
}

// FanOutFailure records one recipient that could not be notified.
type FanOutFailure struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

// FanOutSummary reports the outcome of notifying several recipients.
type FanOutSummary struct {
	Sent     int             `json:"sent"`
	Failed   int             `json:"failed"`
	Failures []FanOutFailure `json:"failures,omitempty"`
}

// Notifier persists notifications and pushes them to connected clients.
type Notifier struct {
	store       NotifierStore
	broadcaster Broadcaster
	logger      *log.Logger
	concurrency int
	now         func() time.Time
}

// NewNotifier creates a Notifier. broadcaster may be nil when no real-time
// channel is running; notifications are then only persisted.
func NewNotifier(store NotifierStore, broadcaster Broadcaster, logger *log.Logger, concurrency int) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if concurrency <= 0 {
		concurrency = defaultFanOutConcurrency
	}
	return &Notifier{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Notify persists a notification for userID and pushes it to the account's
// room. A push failure is returned together with the persisted notification.
func (n *Notifier) Notify(ctx context.Context, userID string, typ NotificationType, message, referenceID string) (*Notification, error) {
	notif := &Notification{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        typ,
		Message:     message,
		ReferenceID: referenceID,
		CreatedAt:   n.now().UTC(),
	}
	if err := n.store.CreateNotification(ctx, notif); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}
	if n.broadcaster == nil {
		return notif, nil
	}
	if err := n.broadcaster.Broadcast(ctx, userID, EventNewNotification, notif); err != nil {
		return notif, fmt.Errorf("push notification: %w", err)
	}
	return notif, nil
}

// Create validates an explicit notification request and delivers it. The
// target must be an existing account. Unlike fan-out, any delivery failure is
// returned to the caller.
func (n *Notifier) Create(ctx context.Context, userID, typ, message, referenceID string) (*Notification, error) {
	userID = strings.TrimSpace(userID)
	message = strings.TrimSpace(message)
	if userID == "" || message == "" {
		return nil, fmt.Errorf("%w: userId and message are required", ErrValidation)
	}
	if strings.ContainsAny(userID, `/\#?`) || strings.ContainsFunc(userID, unicode.IsControl) {
		return nil, fmt.Errorf("%w: userId %q is not an account id", ErrValidation, userID)
	}
	t, err := ParseNotificationType(typ)
	if err != nil {
		return nil, err
	}
	if _, err := n.store.GetAccount(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
		}
		return nil, err
	}
	return n.Notify(ctx, userID, t, message, referenceID)
}

// FanOut notifies each distinct recipient concurrently and collects
// per-recipient results. It never fails; failures are logged and counted.
func (n *Notifier) FanOut(ctx context.Context, recipients []string, typ NotificationType, message, referenceID string) FanOutSummary {
	targets := dedupe(recipients)
	if len(targets) == 0 {
		return FanOutSummary{}
	}

	results := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for i, userID := range targets {
		g.Go(func() error {
			_, results[i] = n.Notify(ctx, userID, typ, message, referenceID)
			return nil
		})
	}
	_ = g.Wait()

	var summary FanOutSummary
	for i, err := range results {
		if err == nil {
			summary.Sent++
			continue
		}
		summary.Failed++
		summary.Failures = append(summary.Failures, FanOutFailure{UserID: targets[i], Error: err.Error()})
		n.logger.WithFields(log.Fields{
			"user":      targets[i],
			"type":      typ,
			"reference": referenceID,
		}).WithError(err).Warn("notification delivery failed")
	}
	return summary
}

// List returns the notifications of userID. Only the owner may read them.
func (n *Notifier) List(ctx context.Context, actorID, userID string) ([]Notification, error) {
	if actorID != userID {
		return nil, fmt.Errorf("%w: notifications belong to another account", ErrForbidden)
	}
	items, err := n.store.ListNotifications(ctx, userID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(items, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return items, nil
}

// MarkRead sets the read flag. Marking an already read notification is a no-op.
func (n *Notifier) MarkRead(ctx context.Context, actorID, id string) (*Notification, error) {
	notif, err := n.store.GetNotification(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if notif.Read {
		return notif, nil
	}
	notif.Read = true
	if err := n.store.UpdateNotification(ctx, notif); err != nil {
		return nil, err
	}
	return notif, nil
}

// Delete removes a notification of actorID and tells connected clients.
func (n *Notifier) Delete(ctx context.Context, actorID, id string) error {
	notif, err := n.store.GetNotification(ctx, actorID, id)
	if err != nil {
		return err
	}
	if err := n.store.DeleteNotification(ctx, actorID, id); err != nil {
		return err
	}
	if n.broadcaster != nil {
		if err := n.broadcaster.Broadcast(ctx, actorID, EventNotificationDeleted, notif); err != nil {
			n.logger.WithField("notification", id).WithError(err).Warn("notification-deleted push failed")
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
