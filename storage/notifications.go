package storage

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

type notificationEntity struct {
	entity
	Type          string `json:"Type"`
	Message       string `json:"Message"`
	Read          bool   `json:"Read"`
	ReferenceID   string `json:"ReferenceID"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

func newNotificationEntity(n *domain.Notification) notificationEntity {
	return notificationEntity{
		entity:        entity{PartitionKey: n.UserID, RowKey: n.ID},
		Type:          string(n.Type),
		Message:       n.Message,
		Read:          n.Read,
		ReferenceID:   n.ReferenceID,
		CreatedAt:     unixMillis(n.CreatedAt),
		CreatedAtType: edmInt64,
	}
}

func decodeNotification(data []byte) (*domain.Notification, error) {
	var ent notificationEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	return &domain.Notification{
		ID:          ent.RowKey,
		UserID:      ent.PartitionKey,
		Type:        domain.NotificationType(ent.Type),
		Message:     ent.Message,
		Read:        ent.Read,
		ReferenceID: ent.ReferenceID,
		CreatedAt:   fromMillis(ent.CreatedAt),
	}, nil
}

func (s *Storage) CreateNotification(ctx context.Context, n *domain.Notification) error {
	payload, err := json.Marshal(newNotificationEntity(n))
	if err != nil {
		return err
	}
	_, err = s.notifications.AddEntity(ctx, payload, nil)
	return mapError(err, "add notification %s", n.ID)
}

func (s *Storage) GetNotification(ctx context.Context, userID, id string) (*domain.Notification, error) {
	resp, err := s.notifications.GetEntity(ctx, userID, id, nil)
	if err != nil {
		return nil, mapError(err, "notification %s", id)
	}
	return decodeNotification(resp.Value)
}

func (s *Storage) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	filter := "PartitionKey eq " + quote(userID)
	pager := s.notifications.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Notification{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err, "list notifications of %s", userID)
		}
		for _, e := range resp.Entities {
			n, err := decodeNotification(e)
			if err != nil {
				return nil, err
			}
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *Storage) UpdateNotification(ctx context.Context, n *domain.Notification) error {
	payload, err := json.Marshal(newNotificationEntity(n))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.notifications.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapError(err, "update notification %s", n.ID)
}

func (s *Storage) DeleteNotification(ctx context.Context, userID, id string) error {
	et := azcore.ETagAny
	_, err := s.notifications.DeleteEntity(ctx, userID, id, &aztables.DeleteEntityOptions{IfMatch: &et})
	return mapError(err, "delete notification %s", id)
}

func (s *Storage) DeleteNotificationsForAccount(ctx context.Context, userID string) error {
	filter := "PartitionKey eq " + quote(userID)
	sel := "PartitionKey,RowKey"
	pager := s.notifications.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	var keys [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return mapError(err, "list notifications of %s", userID)
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
		}
	}
	return deleteBatches(ctx, s.notifications, keys, "notifications of "+userID)
}
