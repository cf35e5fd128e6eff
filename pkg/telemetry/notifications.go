package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
)

// Notification types emitted by the controller after a commit.
const (
	NotificationResourceAdded         = "resource-added"
	NotificationResourceRemoved       = "resource-removed"
	NotificationAttributeValueWritten = "attribute-value-written"
)

// Notification is a post-commit change notice.
type Notification struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Source    address.PathAddress `json:"source"`
	Timestamp time.Time           `json:"timestamp"`
	TxID      string              `json:"tx-id,omitempty"`
	Message   string              `json:"message,omitempty"`
	Data      *node.Node          `json:"data,omitempty"`
}

// NotificationHandler receives notifications. Handlers run on the
// publisher's delivery goroutine and must not block.
type NotificationHandler func(n Notification)

// NotificationFilter selects notifications.
type NotificationFilter func(n Notification) bool

type subscription struct {
	id      uint64
	handler NotificationHandler
	filter  NotificationFilter
}

// NotificationPublisher fans notifications out to subscribers, in
// publication order.
type NotificationPublisher struct {
	config  NotificationsConfig
	metrics *Metrics

	mu      sync.RWMutex
	subs    []subscription
	filters []NotificationFilter
	nextID  uint64

	queue  chan Notification
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotificationPublisher creates a publisher. With EnableAsync a single
// goroutine delivers queued notifications until Shutdown.
func NewNotificationPublisher(cfg NotificationsConfig, metrics *Metrics) *NotificationPublisher {
	p := &NotificationPublisher{config: cfg, metrics: metrics}
	if !cfg.Enabled || !cfg.EnableAsync {
		return p
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.queue = make(chan Notification, cfg.BufferSize)
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish stamps and delivers n. It fails when the async queue is full or
// the publisher has shut down.
func (p *NotificationPublisher) Publish(n Notification) error {
	if p == nil || !p.config.Enabled {
		return nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	p.mu.RLock()
	for _, f := range p.filters {
		if !f(n) {
			p.mu.RUnlock()
			return nil
		}
	}
	p.mu.RUnlock()

	if p.queue == nil {
		p.deliver(n)
		return nil
	}
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("notification publisher stopped")
	default:
	}
	select {
	case p.queue <- n:
		return nil
	default:
		return fmt.Errorf("notification queue full, %s for %s dropped", n.Type, n.Source)
	}
}

// Subscribe registers handler for notifications accepted by filter, nil
// for all. The returned function removes the subscription.
func (p *NotificationPublisher) Subscribe(handler NotificationHandler, filter NotificationFilter) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscription{id: id, handler: handler, filter: filter})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// AddFilter adds a filter applied before any subscriber sees a
// notification.
func (p *NotificationPublisher) AddFilter(filter NotificationFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, filter)
}

func (p *NotificationPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case n := <-p.queue:
			p.deliver(n)
		case <-p.ctx.Done():
			for {
				select {
				case n := <-p.queue:
					p.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (p *NotificationPublisher) deliver(n Notification) {
	p.metrics.RecordNotification(n.Type)
	p.mu.RLock()
	subs := append([]subscription(nil), p.subs...)
	p.mu.RUnlock()
	for _, s := range subs {
		if s.filter != nil && !s.filter(n) {
			continue
		}
		s.handler(n)
	}
}

// Shutdown stops accepting notifications and waits until queued ones are
// delivered or ctx expires.
func (p *NotificationPublisher) Shutdown(ctx context.Context) error {
	if p == nil || p.cancel == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts the listed notification types.
func FilterByType(types ...string) NotificationFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(n Notification) bool { return set[n.Type] }
}

// FilterBySource accepts notifications whose source matches pattern, which
// may contain wildcards.
func FilterBySource(pattern address.PathAddress) NotificationFilter {
	return func(n Notification) bool { return n.Source.Matches(pattern) }
}
