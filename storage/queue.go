package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// AccountDeleted is the message type scheduling cleanup of a deleted account.
const AccountDeleted = "account-deleted"

// CleanupMessage is the body of a cleanup queue message.
type CleanupMessage struct {
	Type      string `json:"type"`
	AccountID string `json:"accountId"`
	Time      int64  `json:"time"`
}

// ReceivedCleanup is a dequeued cleanup message with its queue receipt.
type ReceivedCleanup struct {
	CleanupMessage
	ID            string
	PopReceipt    string
	DequeueCount  int64
	RawText       string
	DecodingError error
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// CleanupQueue carries account cleanup work from the API to the janitor.
type CleanupQueue struct {
	client     queueClient
	visibility time.Duration
	now        func() time.Time
}

var _ domain.CleanupQueue = (*CleanupQueue)(nil)

// NewCleanupQueue connects to the named queue. visibility is how long a
// received message stays hidden before another receiver may take it.
func NewCleanupQueue(connStr, name string, visibility time.Duration) (*CleanupQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return newCleanupQueue(cq, visibility), nil
}

func newCleanupQueue(client queueClient, visibility time.Duration) *CleanupQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &CleanupQueue{client: client, visibility: visibility, now: time.Now}
}

func (q *CleanupQueue) EnqueueAccountCleanup(ctx context.Context, accountID string) error {
	data, err := sonic.MarshalString(CleanupMessage{Type: AccountDeleted, AccountID: accountID, Time: q.now().UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueMessage(ctx, data, nil); err != nil {
		return fmt.Errorf("enqueue cleanup of %s: %w", accountID, err)
	}
	return nil
}

// Receive takes the next message off the queue, or returns nil when the
// queue is empty. Messages that cannot be decoded are returned with
// DecodingError set so the caller can discard them.
func (q *CleanupQueue) Receive(ctx context.Context) (*ReceivedCleanup, error) {
	secs := int32(q.visibility / time.Second)
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{VisibilityTimeout: &secs})
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, fmt.Errorf("dequeued message without id or receipt")
	}
	out := &ReceivedCleanup{ID: *msg.MessageID, PopReceipt: *msg.PopReceipt}
	if msg.DequeueCount != nil {
		out.DequeueCount = *msg.DequeueCount
	}
	if msg.MessageText != nil {
		out.RawText = *msg.MessageText
	}
	if err := sonic.UnmarshalString(out.RawText, &out.CleanupMessage); err != nil {
		out.DecodingError = err
	} else if out.Type != AccountDeleted || out.AccountID == "" {
		out.DecodingError = fmt.Errorf("unexpected cleanup message %q", out.RawText)
	}
	return out, nil
}

// Complete deletes a processed message.
func (q *CleanupQueue) Complete(ctx context.Context, msg *ReceivedCleanup) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
