package storage

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

const boardPartition = "board"

type boardEntity struct {
	entity
	Name          string `json:"Name"`
	OwnerID       string `json:"OwnerID"`
	Description   string `json:"Description"`
	Members       string `json:"Members"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

func newBoardEntity(b *domain.Board) (boardEntity, error) {
	members := b.Members
	if members == nil {
		members = []string{}
	}
	raw, err := json.Marshal(members)
	if err != nil {
		return boardEntity{}, err
	}
	return boardEntity{
		entity:        entity{PartitionKey: boardPartition, RowKey: b.ID},
		Name:          b.Name,
		OwnerID:       b.OwnerID,
		Description:   b.Description,
		Members:       string(raw),
		CreatedAt:     unixMillis(b.CreatedAt),
		CreatedAtType: edmInt64,
		UpdatedAt:     unixMillis(b.UpdatedAt),
		UpdatedAtType: edmInt64,
	}, nil
}

func decodeBoard(data []byte) (*domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	members := []string{}
	if ent.Members != "" {
		if err := json.Unmarshal([]byte(ent.Members), &members); err != nil {
			return nil, err
		}
	}
	return &domain.Board{
		ID:          ent.RowKey,
		Name:        ent.Name,
		OwnerID:     ent.OwnerID,
		Description: ent.Description,
		Members:     members,
		CreatedAt:   fromMillis(ent.CreatedAt),
		UpdatedAt:   fromMillis(ent.UpdatedAt),
		ETag:        ent.ETag,
	}, nil
}

func (s *Storage) CreateBoard(ctx context.Context, b *domain.Board) error {
	ent, err := newBoardEntity(b)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	resp, err := s.boards.AddEntity(ctx, payload, nil)
	if err != nil {
		return mapError(err, "add board %s", b.ID)
	}
	b.ETag = string(resp.ETag)
	return nil
}

// GetBoard loads a board together with its counters.
func (s *Storage) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	resp, err := s.boards.GetEntity(ctx, boardPartition, id, nil)
	if err != nil {
		return nil, mapError(err, "board %s", id)
	}
	b, err := decodeBoard(resp.Value)
	if err != nil {
		return nil, err
	}
	b.ETag = string(resp.ETag)
	if err := s.fillCounters(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Storage) FindBoardByName(ctx context.Context, ownerID, name string) (*domain.Board, error) {
	filter := "PartitionKey eq " + quote(boardPartition) + " and OwnerID eq " + quote(ownerID) + " and Name eq " + quote(name)
	boards, err := s.listBoards(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(boards) == 0 {
		return nil, nil
	}
	b := &boards[0]
	if err := s.fillCounters(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBoard replaces the board row. A stale ETag yields ErrConcurrencyConflict.
func (s *Storage) UpdateBoard(ctx context.Context, b *domain.Board) error {
	ent, err := newBoardEntity(b)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	resp, err := s.boards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: ifMatch(b.ETag), UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return mapError(err, "update board %s", b.ID)
	}
	b.ETag = string(resp.ETag)
	return nil
}

func (s *Storage) DeleteBoard(ctx context.Context, id string) error {
	et := azcore.ETagAny
	_, err := s.boards.DeleteEntity(ctx, boardPartition, id, &aztables.DeleteEntityOptions{IfMatch: &et})
	return mapError(err, "delete board %s", id)
}

// ListBoardsForAccount scans the board partition; membership is stored as a
// serialized set and cannot be filtered server side.
func (s *Storage) ListBoardsForAccount(ctx context.Context, accountID string) ([]domain.Board, error) {
	all, err := s.listBoards(ctx, "PartitionKey eq "+quote(boardPartition))
	if err != nil {
		return nil, err
	}
	out := []domain.Board{}
	for i := range all {
		if !all[i].IsParticipant(accountID) {
			continue
		}
		if err := s.fillCounters(ctx, &all[i]); err != nil {
			return nil, err
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Storage) listBoards(ctx context.Context, filter string) ([]domain.Board, error) {
	pager := s.boards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Board{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, "list boards")
		}
		for _, e := range resp.Entities {
			b, err := decodeBoard(e)
			if err != nil {
				return nil, err
			}
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *Storage) fillCounters(ctx context.Context, b *domain.Board) error {
	c, _, err := s.loadCounters(ctx, b.ID)
	if err != nil {
		return err
	}
	b.TicketCount = c.Tickets
	b.CompletedTicketCount = c.Completed
	return nil
}
