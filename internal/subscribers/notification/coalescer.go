package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
)

// Coalescer batches driver-facing pushes over a short window, so that a
// bulk assign of N orders to one driver lands as a single message instead
// of N. Messages for different drivers, or of different types for the same
// driver, never merge.
type Coalescer struct {
	pusher Pusher
	window time.Duration

	mu      sync.Mutex
	pending map[pendingKey]*pendingPush
}

type pendingKey struct {
	memberID int64
	typ      string
}

type pendingPush struct {
	member *entity.Member
	orders []*entity.Order
	timer  *time.Timer
}

// NewCoalescer builds a coalescer flushing window after the first message
// of each (member, type) group. A non-positive window flushes every message
// immediately.
func NewCoalescer(pusher Pusher, window time.Duration) *Coalescer {
	return &Coalescer{
		pusher:  pusher,
		window:  window,
		pending: make(map[pendingKey]*pendingPush),
	}
}

// Add queues one message for the member. The first message of a group arms
// the flush timer; later ones ride along.
func (c *Coalescer) Add(member *entity.Member, typ string, order *entity.Order) {
	if c.window <= 0 {
		c.send(member, typ, []*entity.Order{order})
		return
	}

	key := pendingKey{memberID: member.ID, typ: typ}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[key]; ok {
		p.orders = append(p.orders, order)
		return
	}
	p := &pendingPush{member: member, orders: []*entity.Order{order}}
	p.timer = time.AfterFunc(c.window, func() { c.flushKey(key) })
	c.pending[key] = p
}

// Flush drains every pending group immediately. Called on shutdown so no
// queued message is lost with the process.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	keys := make([]pendingKey, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.flushKey(key)
	}
}

func (c *Coalescer) flushKey(key pendingKey) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		p.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return // raced with an explicit Flush
	}
	c.send(p.member, key.typ, p.orders)
}

func (c *Coalescer) send(member *entity.Member, typ string, orders []*entity.Order) {
	var n Notification
	if len(orders) == 1 {
		n = Notification{Type: typ, Data: orderData(orders[0])}
	} else {
		ids := make([]int64, len(orders))
		for i, o := range orders {
			ids[i] = o.ID
		}
		n = Notification{Type: typ, Data: map[string]any{
			"order_ids": ids,
			"count":     len(ids),
		}}
	}

	if err := c.pusher.Push(context.Background(), member, n); err != nil {
		slog.Error("[Notification] Push failed",
			"member_id", member.ID,
			"type", typ,
			"orders", len(orders),
			"error", err)
	}
}
