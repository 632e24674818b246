package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	accountPartition = "account"
	emailPartition   = "email"
)

type accountEntity struct {
	entity
	Email           string  `json:"Email"`
	PasswordHash    string  `json:"PasswordHash"`
	Name            string  `json:"Name"`
	Surname         string  `json:"Surname"`
	Profession      string  `json:"Profession"`
	ProfileImage    string  `json:"ProfileImage"`
	DateOfBirth     *int64  `json:"DateOfBirth,omitempty,string"`
	DateOfBirthType *string `json:"DateOfBirth@odata.type,omitempty"`
	Theme           string  `json:"Theme"`
	Notifications   bool    `json:"Notifications"`
	CreatedAt       int64   `json:"CreatedAt,string"`
	CreatedAtType   string  `json:"CreatedAt@odata.type"`
	UpdatedAt       int64   `json:"UpdatedAt,string"`
	UpdatedAtType   string  `json:"UpdatedAt@odata.type"`
}

type emailEntity struct {
	entity
	AccountID string `json:"AccountID"`
}

func emailKey(email string) string {
	return url.PathEscape(domain.NormalizeEmail(email))
}

func newAccountEntity(a *domain.Account) accountEntity {
	ent := accountEntity{
		entity:        entity{PartitionKey: accountPartition, RowKey: a.ID},
		Email:         a.Email,
		PasswordHash:  a.PasswordHash,
		Name:          a.Name,
		Surname:       a.Surname,
		Profession:    string(a.Profession),
		ProfileImage:  a.ProfileImage,
		Theme:         a.Settings.Theme,
		Notifications: a.Settings.Notifications,
		CreatedAt:     unixMillis(a.CreatedAt),
		CreatedAtType: edmInt64,
		UpdatedAt:     unixMillis(a.UpdatedAt),
		UpdatedAtType: edmInt64,
	}
	if a.DateOfBirth != nil {
		ms := a.DateOfBirth.UnixMilli()
		typ := edmInt64
		ent.DateOfBirth = &ms
		ent.DateOfBirthType = &typ
	}
	return ent
}

func (e accountEntity) toDomain() *domain.Account {
	acc := &domain.Account{
		ID:           e.RowKey,
		Email:        e.Email,
		PasswordHash: e.PasswordHash,
		Name:         e.Name,
		Surname:      e.Surname,
		Profession:   domain.Profession(e.Profession),
		ProfileImage: e.ProfileImage,
		Settings:     domain.Settings{Theme: e.Theme, Notifications: e.Notifications},
		CreatedAt:    fromMillis(e.CreatedAt),
		UpdatedAt:    fromMillis(e.UpdatedAt),
		ETag:         e.ETag,
	}
	if e.DateOfBirth != nil {
		d := time.UnixMilli(*e.DateOfBirth).UTC()
		acc.DateOfBirth = &d
	}
	return acc
}

// CreateAccount reserves the email in the index table and then stores the
// account. An existing index row means the email is taken.
func (s *Storage) CreateAccount(ctx context.Context, a *domain.Account) error {
	idx, err := json.Marshal(emailEntity{
		entity:    entity{PartitionKey: emailPartition, RowKey: emailKey(a.Email)},
		AccountID: a.ID,
	})
	if err != nil {
		return err
	}
	if _, err := s.accountEmails.AddEntity(ctx, idx, nil); err != nil {
		return mapError(err, "reserve email %s", a.Email)
	}
	payload, err := json.Marshal(newAccountEntity(a))
	if err != nil {
		return err
	}
	resp, err := s.accounts.AddEntity(ctx, payload, nil)
	if err != nil {
		if _, derr := s.accountEmails.DeleteEntity(ctx, emailPartition, emailKey(a.Email), nil); derr != nil {
			log.WithField("email", a.Email).WithError(derr).Error("failed to release email reservation")
		}
		return mapError(err, "add account %s", a.ID)
	}
	a.ETag = string(resp.ETag)
	return nil
}

func (s *Storage) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	resp, err := s.accounts.GetEntity(ctx, accountPartition, id, nil)
	if err != nil {
		return nil, mapError(err, "account %s", id)
	}
	var ent accountEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	acc := ent.toDomain()
	acc.ETag = string(resp.ETag)
	return acc, nil
}

func (s *Storage) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	resp, err := s.accountEmails.GetEntity(ctx, emailPartition, emailKey(email), nil)
	if err != nil {
		return nil, mapError(err, "account with email %s", email)
	}
	var idx emailEntity
	if err := json.Unmarshal(resp.Value, &idx); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, idx.AccountID)
}

// UpdateAccount replaces the account row. The email is immutable.
func (s *Storage) UpdateAccount(ctx context.Context, a *domain.Account) error {
	payload, err := json.Marshal(newAccountEntity(a))
	if err != nil {
		return err
	}
	resp, err := s.accounts.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: ifMatch(a.ETag), UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return mapError(err, "update account %s", a.ID)
	}
	a.ETag = string(resp.ETag)
	return nil
}

// DeleteAccount removes the account row and its email index entry.
func (s *Storage) DeleteAccount(ctx context.Context, a *domain.Account) error {
	et := azcore.ETagAny
	if _, err := s.accounts.DeleteEntity(ctx, accountPartition, a.ID, &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
		return mapError(err, "delete account %s", a.ID)
	}
	if _, err := s.accountEmails.DeleteEntity(ctx, emailPartition, emailKey(a.Email), &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
		if err := mapError(err, "delete email %s", a.Email); !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}
