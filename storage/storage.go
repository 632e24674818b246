package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

const (
	edmInt64 = "Edm.Int64"

	// batchLimit is the maximum number of operations in one entity group transaction.
	batchLimit = 100
)

// Tables names the table per record family.
type Tables struct {
	Accounts      string
	AccountEmails string
	Boards        string
	Tickets       string
	Notifications string
}

// Storage implements domain.Store on Azure Table Storage.
type Storage struct {
	accounts      *aztables.Client
	accountEmails *aztables.Client
	boards        *aztables.Client
	tickets       *aztables.Client
	notifications *aztables.Client
}

var _ domain.Store = (*Storage)(nil)

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	svc, err := NewServiceClient(connStr)
	if err != nil {
		return nil, err
	}
	return &Storage{
		accounts:      svc.NewClient(tables.Accounts),
		accountEmails: svc.NewClient(tables.AccountEmails),
		boards:        svc.NewClient(tables.Boards),
		tickets:       svc.NewClient(tables.Tickets),
		notifications: svc.NewClient(tables.Notifications),
	}, nil
}

// Ping reads at most one account row to check that the service is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	top, sel := int32(1), "RowKey"
	pager := s.accounts.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top, Select: &sel})
	if _, err := pager.NextPage(ctx); err != nil {
		return mapError(err, "ping table storage")
	}
	return nil
}

// NewServiceClient creates a table service client with the retry policy used
// by every table client of the service.
func NewServiceClient(connStr string) (*aztables.ServiceClient, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
}

// entity is the key part of every stored row.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
}

// mapError translates table service failures into domain errors.
func mapError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%s: %w", what, err)
	}
	if sentinel := statusError(respErr.StatusCode, respErr.ErrorCode); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// mapTransactionError is mapError for SubmitTransaction. A rejected changeset
// comes back as 202 Accepted and the status of the failing operation is only
// found in the multipart body.
func mapTransactionError(err error, format string, args ...any) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusAccepted && respErr.RawResponse != nil {
		if status := changesetStatus(respErr.RawResponse); status != 0 {
			what := fmt.Sprintf(format, args...)
			if sentinel := statusError(status, ""); sentinel != nil {
				return fmt.Errorf("%w: %s", sentinel, what)
			}
			return fmt.Errorf("%s: changeset failed with status %d: %w", what, status, err)
		}
	}
	return mapError(err, format, args...)
}

// changesetStatus returns the first failing status line of a batch response,
// or 0 when the body carries none.
func changesetStatus(resp *http.Response) int {
	body, err := runtime.Payload(resp)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(body), "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "HTTP/1.1 ")
		if !ok {
			continue
		}
		code, _, _ := strings.Cut(rest, " ")
		if status, err := strconv.Atoi(code); err == nil && status >= http.StatusBadRequest {
			return status
		}
	}
	return 0
}

func statusError(status int, code string) error {
	switch {
	case status == http.StatusNotFound || code == "ResourceNotFound":
		return domain.ErrNotFound
	case status == http.StatusPreconditionFailed || code == "UpdateConditionNotSatisfied":
		return domain.ErrConcurrencyConflict
	case status == http.StatusConflict || code == "EntityAlreadyExists":
		return domain.ErrConflict
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrConcurrencyConflict)
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func ifMatch(etag string) *azcore.ETag {
	et := azcore.ETagAny
	if etag != "" {
		et = azcore.ETag(etag)
	}
	return &et
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// chunks splits n items into batch-sized index ranges.
func chunks(n int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += batchLimit {
		out = append(out, [2]int{start, min(start+batchLimit, n)})
	}
	return out
}

// TablesFromEnv resolves table names through lookup, which receives the
// variable name and its default.
func TablesFromEnv(lookup func(key, def string) string) Tables {
	return Tables{
		Accounts:      lookup("ACCOUNTS_TABLE", "accounts"),
		AccountEmails: lookup("ACCOUNT_EMAILS_TABLE", "accountemails"),
		Boards:        lookup("BOARDS_TABLE", "boards"),
		Tickets:       lookup("TICKETS_TABLE", "tickets"),
		Notifications: lookup("NOTIFICATIONS_TABLE", "notifications"),
	}
}

// Names lists the table names in creation order.
func (t Tables) Names() []string {
	return []string{t.Accounts, t.AccountEmails, t.Boards, t.Tickets, t.Notifications}
}
