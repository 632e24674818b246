package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a store with a Redis-backed cache of per-board ticket lists.
// Every ticket write through the cache evicts the board's entry.
type Cache struct {
	domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Store: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTickets(ctx context.Context, boardID string) ([]domain.Ticket, error) {
	if tickets, ok := c.loadTickets(ctx, boardID); ok {
		return tickets, nil
	}
	tickets, err := c.Store.ListTickets(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.storeTickets(ctx, boardID, tickets)
	return tickets, nil
}

func (c *Cache) CreateTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	defer c.evict(ctx, t.BoardID)
	return c.Store.CreateTicket(ctx, t, delta)
}

func (c *Cache) UpdateTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	defer c.evict(ctx, t.BoardID)
	return c.Store.UpdateTicket(ctx, t, delta)
}

func (c *Cache) DeleteTicket(ctx context.Context, t *domain.Ticket, delta domain.CounterDelta) error {
	defer c.evict(ctx, t.BoardID)
	return c.Store.DeleteTicket(ctx, t, delta)
}

func (c *Cache) DeleteTicketsForBoard(ctx context.Context, boardID string) error {
	defer c.evict(ctx, boardID)
	return c.Store.DeleteTicketsForBoard(ctx, boardID)
}

func (c *Cache) loadTickets(ctx context.Context, boardID string) ([]domain.Ticket, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, ticketsCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, ticketsCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var items []cachedTicket
	if err := sonic.Unmarshal(data, &items); err != nil {
		_ = c.redis.Del(ctx, ticketsCacheKey(boardID)).Err()
		return nil, false
	}
	tickets := make([]domain.Ticket, len(items))
	for i, it := range items {
		tickets[i] = it.Ticket
		tickets[i].ETag = it.ETag
	}
	return tickets, true
}

func (c *Cache) storeTickets(ctx context.Context, boardID string, tickets []domain.Ticket) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	items := make([]cachedTicket, len(tickets))
	for i, t := range tickets {
		items[i] = cachedTicket{Ticket: t, ETag: t.ETag}
	}
	data, err := sonic.Marshal(items)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, ticketsCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, ticketsCacheKey(boardID)).Result()
}

// cachedTicket keeps the ETag, which the public JSON form omits.
type cachedTicket struct {
	domain.Ticket
	ETag string `json:"etag"`
}

func ticketsCacheKey(boardID string) string {
	return "tickets:" + boardID
}
