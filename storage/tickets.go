package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	countersRowKey = "$counters"

	// ticketIndexPartition holds one row per ticket naming its board.
	ticketIndexPartition = "$ticket-index"

	maxCounterAttempts = 5

	// maxPropertyChars is the Table service limit for a string property
	// (64 KiB of UTF-16).
	maxPropertyChars = 32 << 10
)

type ticketEntity struct {
	entity
	Title         string  `json:"Title"`
	Description   string  `json:"Description"`
	Status        string  `json:"Status"`
	Priority      string  `json:"Priority"`
	Deadline      *int64  `json:"Deadline,omitempty,string"`
	DeadlineType  *string `json:"Deadline@odata.type,omitempty"`
	Assignees     string  `json:"Assignees"`
	Comments      string  `json:"Comments"`
	CreatedAt     int64   `json:"CreatedAt,string"`
	CreatedAtType string  `json:"CreatedAt@odata.type"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

// countersEntity holds the board counters in the board's ticket partition.
type countersEntity struct {
	entity
	Tickets   int `json:"Tickets"`
	Completed int `json:"Completed"`
}

type ticketIndexEntity struct {
	entity
	BoardID string `json:"BoardID"`
}

func utf16Len(b []byte) int {
	return len(utf16.Encode([]rune(string(b))))
}

func newTicketEntity(t *domain.Ticket) (ticketEntity, error) {
	assignees := t.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	comments := t.Comments
	if comments == nil {
		comments = []domain.Comment{}
	}
	rawAssignees, err := json.Marshal(assignees)
	if err != nil {
		return ticketEntity{}, err
	}
	rawComments, err := json.Marshal(comments)
	if err != nil {
		return ticketEntity{}, err
	}
	if utf16Len(rawComments) > maxPropertyChars {
		return ticketEntity{}, fmt.Errorf("%w: ticket %s has too many comments to store", domain.ErrValidation, t.ID)
	}
	ent := ticketEntity{
		entity:        entity{PartitionKey: t.BoardID, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		Assignees:     string(rawAssignees),
		Comments:      string(rawComments),
		CreatedAt:     unixMillis(t.CreatedAt),
		CreatedAtType: edmInt64,
		UpdatedAt:     unixMillis(t.UpdatedAt),
		UpdatedAtType: edmInt64,
	}
	if t.Deadline != nil {
		ms := t.Deadline.UnixMilli()
		typ := edmInt64
		ent.Deadline = &ms
		ent.DeadlineType = &typ
	}
	return ent, nil
}

func decodeTicket(data []byte) (*domain.Ticket, error) {
	var ent ticketEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	t := &domain.Ticket{
		ID:          ent.RowKey,
		BoardID:     ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Priority:    domain.Priority(ent.Priority),
		Assignees:   []string{},
		Comments:    []domain.Comment{},
		CreatedAt:   fromMillis(ent.CreatedAt),
		UpdatedAt:   fromMillis(ent.UpdatedAt),
		ETag:        ent.ETag,
	}
	if ent.Deadline != nil {
		d := fromMillis(*ent.Deadline)
		t.Deadline = &d
	}
	if ent.Assignees != "" {
		if err := json.Unmarshal([]byte(ent.Assignees), &t.Assignees); err != nil {
			return nil, err
		}
	}
	if ent.Comments != "" {
		if err := json.Unmarshal([]byte(ent.Comments), &t.Comments); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *Storage) CreateTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	payload, err := ticketPayload(t)
	if err != nil {
		return err
	}
	if err := s.indexTicket(ctx, t); err != nil {
		return err
	}
	action := aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}
	return s.writeTicket(ctx, t, action, delta)
}

// UpdateTicket replaces the ticket row guarded by its ETag and applies delta
// to the board counters in the same transaction.
func (s *Storage) UpdateTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	payload, err := ticketPayload(t)
	if err != nil {
		return err
	}
	action := aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: ifMatch(t.ETag)}
	return s.writeTicket(ctx, t, action, delta)
}

func (s *Storage) DeleteTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	payload, err := json.Marshal(entity{PartitionKey: t.BoardID, RowKey: t.ID})
	if err != nil {
		return err
	}
	action := aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: ifMatch(t.ETag)}
	if err := s.writeTicket(ctx, nil, action, delta); err != nil {
		return err
	}
	_, err = s.tickets.DeleteEntity(ctx, ticketIndexPartition, t.ID, &aztables.DeleteEntityOptions{IfMatch: ifMatch("")})
	if err = mapError(err, "index of ticket %s", t.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// indexTicket records the board of a ticket so it can be read by id alone.
// The row is written ahead of the ticket; a row left behind by a failed
// create points at nothing and reads as not found.
func (s *Storage) indexTicket(ctx context.Context, t *domain.Ticket) error {
	payload, err := json.Marshal(ticketIndexEntity{
		entity:  entity{PartitionKey: ticketIndexPartition, RowKey: t.ID},
		BoardID: t.BoardID,
	})
	if err != nil {
		return err
	}
	_, err = s.tickets.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return mapError(err, "index ticket %s", t.ID)
}

func ticketPayload(t *domain.Ticket) ([]byte, error) {
	ent, err := newTicketEntity(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ent)
}

// writeTicket submits the ticket action together with the counter row in one
// entity group transaction. When the transaction is rejected because the
// counter row moved, the counters are reloaded and the write retried. If the
// counter row did not move, the ticket itself was stale.
func (s *Storage) writeTicket(ctx context.Context, t *domain.Ticket, action aztables.TransactionAction, delta domain.CounterDelta) error {
	var key entity
	if err := json.Unmarshal(action.Entity, &key); err != nil {
		return err
	}
	for attempt := 1; attempt <= maxCounterAttempts; attempt++ {
		actions := []aztables.TransactionAction{action}
		var etag string
		if !delta.IsZero() {
			counters, cur, err := s.loadCounters(ctx, key.PartitionKey)
			if err != nil {
				return err
			}
			etag = cur
			counterAction, err := counterUpdate(key.PartitionKey, counters, cur, delta)
			if err != nil {
				return err
			}
			actions = append(actions, counterAction)
		}

		_, err := s.tickets.SubmitTransaction(ctx, actions, nil)
		if err == nil {
			if t != nil {
				return s.refreshTicketETag(ctx, t)
			}
			return nil
		}
		err = mapTransactionError(err, "write ticket %s", key.RowKey)
		if !isConflict(err) || delta.IsZero() {
			return err
		}
		_, now, lerr := s.loadCounters(ctx, key.PartitionKey)
		if lerr != nil {
			return lerr
		}
		if now == etag {
			return err
		}
		log.WithFields(log.Fields{"board": key.PartitionKey, "ticket": key.RowKey, "attempt": attempt}).Debug("board counters changed, retrying ticket write")
	}
	return fmt.Errorf("%w: board %s counters kept changing", domain.ErrConcurrencyConflict, key.PartitionKey)
}

func counterUpdate(boardID string, cur domain.CounterDelta, etag string, delta domain.CounterDelta) (aztables.TransactionAction, error) {
	tickets, completed := delta.Apply(cur.Tickets, cur.Completed)
	payload, err := json.Marshal(countersEntity{
		entity:    entity{PartitionKey: boardID, RowKey: countersRowKey},
		Tickets:   tickets,
		Completed: completed,
	})
	if err != nil {
		return aztables.TransactionAction{}, err
	}
	if etag == "" {
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}, nil
	}
	return aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: ifMatch(etag)}, nil
}

// loadCounters returns the board counters and the ETag of their row. A
// missing row yields zero counters and an empty ETag.
func (s *Storage) loadCounters(ctx context.Context, boardID string) (domain.CounterDelta, string, error) {
	resp, err := s.tickets.GetEntity(ctx, boardID, countersRowKey, nil)
	if err != nil {
		err = mapError(err, "counters of board %s", boardID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CounterDelta{}, "", nil
		}
		return domain.CounterDelta{}, "", err
	}
	var ent countersEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.CounterDelta{}, "", err
	}
	return domain.CounterDelta{Tickets: ent.Tickets, Completed: ent.Completed}, string(resp.ETag), nil
}

func (s *Storage) refreshTicketETag(ctx context.Context, t *domain.Ticket) error {
	resp, err := s.tickets.GetEntity(ctx, t.BoardID, t.ID, nil)
	if err != nil {
		return mapError(err, "ticket %s", t.ID)
	}
	t.ETag = string(resp.ETag)
	return nil
}

// GetTicket resolves the board through the ticket's index row and then reads
// the ticket itself.
func (s *Storage) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	if id == "" || id == countersRowKey {
		return nil, fmt.Errorf("%w: ticket %s", domain.ErrNotFound, id)
	}
	resp, err := s.tickets.GetEntity(ctx, ticketIndexPartition, id, nil)
	if err != nil {
		return nil, mapError(err, "ticket %s", id)
	}
	var idx ticketIndexEntity
	if err := json.Unmarshal(resp.Value, &idx); err != nil {
		return nil, err
	}
	resp, err = s.tickets.GetEntity(ctx, idx.BoardID, id, nil)
	if err != nil {
		return nil, mapError(err, "ticket %s", id)
	}
	t, err := decodeTicket(resp.Value)
	if err != nil {
		return nil, err
	}
	if resp.ETag != "" {
		t.ETag = string(resp.ETag)
	}
	return t, nil
}

func (s *Storage) ListTickets(ctx context.Context, boardID string) ([]domain.Ticket, error) {
	return s.listTickets(ctx, "PartitionKey eq "+quote(boardID)+" and RowKey ne "+quote(countersRowKey))
}

func (s *Storage) listTickets(ctx context.Context, filter string) ([]domain.Ticket, error) {
	pager := s.tickets.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Ticket{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, "list tickets")
		}
		for _, e := range resp.Entities {
			t, err := decodeTicket(e)
			if err != nil {
				return nil, err
			}
			out = append(out, *t)
		}
	}
	return out, nil
}

// DeleteTicketsForBoard removes the whole board partition, counters included,
// and the index rows of its tickets, in batches.
func (s *Storage) DeleteTicketsForBoard(ctx context.Context, boardID string) error {
	filter := "PartitionKey eq " + quote(boardID)
	sel := "PartitionKey,RowKey"
	pager := s.tickets.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	var keys, indexKeys [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return mapError(err, "list tickets of board %s", boardID)
		}
		for _, e := range resp.Entities {
			var key entity
			if err := json.Unmarshal(e, &key); err != nil {
				return err
			}
			payload, err := json.Marshal(entity{PartitionKey: key.PartitionKey, RowKey: key.RowKey})
			if err != nil {
				return err
			}
			keys = append(keys, payload)
			if key.RowKey == countersRowKey {
				continue
			}
			payload, err = json.Marshal(entity{PartitionKey: ticketIndexPartition, RowKey: key.RowKey})
			if err != nil {
				return err
			}
			indexKeys = append(indexKeys, payload)
		}
	}
	if err := deleteBatches(ctx, s.tickets, keys, "tickets of board "+boardID); err != nil {
		return err
	}
	return deleteBatches(ctx, s.tickets, indexKeys, "ticket index of board "+boardID)
}

// deleteBatches deletes rows of one partition in transactions of at most
// batchLimit rows. A batch that fails because one of its rows is already gone
// is redone row by row.
func deleteBatches(ctx context.Context, client *aztables.Client, keys [][]byte, what string) error {
	for _, r := range chunks(len(keys)) {
		batch := keys[r[0]:r[1]]
		actions := make([]aztables.TransactionAction, 0, len(batch))
		for _, k := range batch {
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: k, IfMatch: ifMatch("")})
		}
		_, err := client.SubmitTransaction(ctx, actions, nil)
		if err == nil {
			continue
		}
		if err = mapTransactionError(err, "delete %s", what); !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		log.WithField("rows", len(batch)).Debugf("batch delete of %s hit a missing row, deleting one by one", what)
		if err := deleteEach(ctx, client, batch, what); err != nil {
			return err
		}
	}
	return nil
}

func deleteEach(ctx context.Context, client *aztables.Client, keys [][]byte, what string) error {
	for _, k := range keys {
		var key entity
		if err := json.Unmarshal(k, &key); err != nil {
			return err
		}
		_, err := client.DeleteEntity(ctx, key.PartitionKey, key.RowKey, &aztables.DeleteEntityOptions{IfMatch: ifMatch("")})
		if err = mapError(err, "delete %s", what); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}
