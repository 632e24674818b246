package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the workflow state of a ticket.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// ParseStatus accepts the canonical values as well as the labels used by the
// board UI ("To Do", "In Progress", "Done").
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "not-started", "to do", "todo":
		return StatusNotStarted, nil
	case "in-progress", "in progress":
		return StatusInProgress, nil
	case "done":
		return StatusDone, nil
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
}

// Priority ranks a ticket.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	}
	return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
}

// Profession tags an account; the assistant matches generated work to it.
type Profession string

var professions = []Profession{"developer", "designer", "project-manager", "qa-engineer", "devops"}

func ParseProfession(s string) (Profession, error) {
	p := Profession(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(professions, p) {
		return p, nil
	}
	return "", fmt.Errorf("%w: invalid profession %q", ErrValidation, s)
}

// NotificationType tags a notification.
type NotificationType string

const (
	NotificationCommentAdded NotificationType = "comment-added"
	NotificationAssigned     NotificationType = "assigned"
	NotificationAddedToBoard NotificationType = "added-to-board"
)

func ParseNotificationType(s string) (NotificationType, error) {
	switch t := NotificationType(strings.TrimSpace(s)); t {
	case NotificationCommentAdded, NotificationAssigned, NotificationAddedToBoard:
		return t, nil
	case "comment":
		return NotificationCommentAdded, nil
	}
	return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
}

// Settings are user preferences.
type Settings struct {
	Theme         string `json:"theme"`
	Notifications bool   `json:"notifications"`
}

// Account is a registered user.
type Account struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	Surname      string     `json:"surname,omitempty"`
	Profession   Profession `json:"profession"`
	ProfileImage string     `json:"profileImage,omitempty"`
	DateOfBirth  *time.Time `json:"dateOfBirth,omitempty"`
	Settings     Settings   `json:"settings"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ETag         string     `json:"-"`
}

// AccountInfo is the public subset of an account.
type AccountInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Surname      string     `json:"surname,omitempty"`
	Email        string     `json:"email"`
	Profession   Profession `json:"profession"`
	ProfileImage string     `json:"profileImage,omitempty"`
}

func (a *Account) Info() AccountInfo {
	return AccountInfo{
		ID:           a.ID,
		Name:         a.Name,
		Surname:      a.Surname,
		Email:        a.Email,
		Profession:   a.Profession,
		ProfileImage: a.ProfileImage,
	}
}

// Board groups tickets. Counters are maintained by the ticket store.
type Board struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	OwnerID              string    `json:"owner"`
	Description          string    `json:"description"`
	Members              []string  `json:"members"`
	TicketCount          int       `json:"ticketCount"`
	CompletedTicketCount int       `json:"completedTicketCount"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
	ETag                 string    `json:"-"`
}

func (b *Board) IsOwner(accountID string) bool {
	return b.OwnerID == accountID
}

func (b *Board) IsMember(accountID string) bool {
	return slices.Contains(b.Members, accountID)
}

// IsParticipant reports whether accountID is the owner or a member.
func (b *Board) IsParticipant(accountID string) bool {
	return b.IsOwner(accountID) || b.IsMember(accountID)
}

// Participants returns the owner followed by members.
func (b *Board) Participants() []string {
	out := make([]string, 0, len(b.Members)+1)
	out = append(out, b.OwnerID)
	for _, m := range b.Members {
		if m != b.OwnerID {
			out = append(out, m)
		}
	}
	return out
}

// Comment is embedded in its ticket.
type Comment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user"`
	Message    string    `json:"message"`
	Attachment string    `json:"attachment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Ticket is a unit of work on a board.
type Ticket struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Assignees   []string   `json:"assignedTo"`
	Comments    []Comment  `json:"comments"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ETag        string     `json:"-"`
}

func (t *Ticket) IsAssigned(accountID string) bool {
	return slices.Contains(t.Assignees, accountID)
}

// Notification is a per-account message.
type Notification struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Type        NotificationType `json:"type"`
	Message     string           `json:"message"`
	Read        bool             `json:"read"`
	ReferenceID string           `json:"referenceId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// CounterDelta is applied to a board's counters together with a ticket write.
type CounterDelta struct {
	Tickets   int
	Completed int
}

func (d CounterDelta) IsZero() bool {
	return d.Tickets == 0 && d.Completed == 0
}

// Apply returns the counters after the delta, floored at zero.
func (d CounterDelta) Apply(tickets, completed int) (int, int) {
	return max(tickets+d.Tickets, 0), max(completed+d.Completed, 0)
}

// statusDelta is the completed-counter change for a status transition.
func statusDelta(from, to Status) int {
	switch {
	case from != StatusDone && to == StatusDone:
		return 1
	case from == StatusDone && to != StatusDone:
		return -1
	}
	return 0
}
