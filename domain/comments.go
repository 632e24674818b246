package domain

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Attachment is an uploaded file attached to a comment.
type Attachment struct {
	Filename string
	Content  io.Reader
}

// FileStore saves uploaded comment attachments and returns their public path.
type FileStore interface {
	SaveCommentAttachment(filename string, r io.Reader) (string, error)
	RemoveCommentAttachment(path string) error
}

// CommentService manages the comments embedded in tickets.
type CommentService struct {
	store    Store
	files    FileStore
	notifier *Notifier
	now      func() time.Time
}

func NewCommentService(store Store, files FileStore, notifier *Notifier) *CommentService {
	return &CommentService{store: store, files: files, notifier: notifier, now: time.Now}
}

// Add appends a comment to a ticket and notifies its other assignees.
func (s *CommentService) Add(ctx context.Context, actorID, ticketID, message string, att *Attachment) (*Comment, error) {
	message = strings.TrimSpace(message)
	if message == "" && att == nil {
		return nil, fmt.Errorf("%w: comment message is required", ErrValidation)
	}
	t, err := s.ticketFor(ctx, actorID, ticketID)
	if err != nil {
		return nil, err
	}
	c := Comment{
		ID:        uuid.NewString(),
		UserID:    actorID,
		Message:   message,
		CreatedAt: s.now().UTC(),
	}
	if att != nil {
		if s.files == nil {
			return nil, fmt.Errorf("%w: attachments are not accepted", ErrValidation)
		}
		path, err := s.files.SaveCommentAttachment(att.Filename, att.Content)
		if err != nil {
			return nil, fmt.Errorf("save attachment: %w", err)
		}
		c.Attachment = path
	}
	t.Comments = append(t.Comments, c)
	t.UpdatedAt = c.CreatedAt
	if err := s.store.UpdateTicket(ctx, t, CounterDelta{}); err != nil {
		s.dropAttachment(c.Attachment)
		return nil, err
	}

	recipients := removeAll(t.Assignees, actorID)
	if len(recipients) > 0 {
		msg := fmt.Sprintf("New comment on the ticket %q", t.Title)
		s.notifier.FanOut(ctx, recipients, NotificationCommentAdded, msg, t.ID)
	}
	return &c, nil
}

// List returns the comments of a ticket, oldest first.
func (s *CommentService) List(ctx context.Context, actorID, ticketID string) ([]Comment, error) {
	t, err := s.ticketFor(ctx, actorID, ticketID)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(t.Comments)
	if out == nil {
		out = []Comment{}
	}
	slices.SortStableFunc(out, func(a, b Comment) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Delete removes a comment. The author and the board owner may delete it.
func (s *CommentService) Delete(ctx context.Context, actorID, ticketID, commentID string) error {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	b, err := loadBoardFor(ctx, s.store, t.BoardID, actorID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(t.Comments, func(c Comment) bool { return c.ID == commentID })
	if idx < 0 {
		return fmt.Errorf("%w: comment %s", ErrNotFound, commentID)
	}
	c := t.Comments[idx]
	if c.UserID != actorID && !b.IsOwner(actorID) {
		return fmt.Errorf("%w: only the author or the board owner can delete a comment", ErrForbidden)
	}
	t.Comments = slices.Delete(t.Comments, idx, idx+1)
	t.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTicket(ctx, t, CounterDelta{}); err != nil {
		return err
	}
	s.dropAttachment(c.Attachment)
	return nil
}

func (s *CommentService) ticketFor(ctx context.Context, actorID, ticketID string) (*Ticket, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if _, err := loadBoardFor(ctx, s.store, t.BoardID, actorID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *CommentService) dropAttachment(path string) {
	if path == "" || s.files == nil {
		return
	}
	if err := s.files.RemoveCommentAttachment(path); err != nil {
		log.WithField("attachment", path).WithError(err).Warn("failed to remove attachment")
	}
}
