package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

// EventType represents the type of activity event
type EventType string

const (
	EventTypeResourcePending      EventType = "resource_pending"
	EventTypeResourceProvisioning EventType = "resource_provisioning"
	EventTypeResourceActive       EventType = "resource_active"
	EventTypeResourceRevoked      EventType = "resource_revoked"
	EventTypeResourceExpired      EventType = "resource_expired"
	EventTypeResourceError        EventType = "resource_error"
	EventTypeResourceDiscarded    EventType = "resource_discarded"
	EventTypePoolSync             EventType = "pool_sync"
	EventTypeSweep                EventType = "sweep"
)

// ActivityEvent represents a single activity log event
type ActivityEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// historySize is how many recent events a new client is replayed
const historySize = 50

// Filter selects the events a client receives. A nil Filter accepts all.
type Filter func(*ActivityEvent) bool

// OwnerFilter accepts only resource events for one owner
func OwnerFilter(ownerID string) Filter {
	return func(e *ActivityEvent) bool {
		owner, _ := e.Details["owner_id"].(string)
		return owner == ownerID
	}
}

// Client represents an SSE client connection
type Client struct {
	ID      string
	Channel chan *ActivityEvent
	filter  Filter
}

func (c *Client) wants(e *ActivityEvent) bool {
	return c.filter == nil || c.filter(e)
}

// Broadcaster fans lifecycle events out to SSE clients. All client and
// history state is owned by the goroutine started in Start.
type Broadcaster struct {
	clients    map[string]*Client
	history    []*ActivityEvent
	register   chan *Client
	unregister chan *Client
	broadcast  chan *ActivityEvent
	done       chan struct{}
	counter    atomic.Int64
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ActivityEvent, 100),
		done:       make(chan struct{}),
	}
}

// Start runs the fan-out loop until ctx is cancelled, then closes every
// client channel
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				b.shutdown()
				return
			case client := <-b.register:
				b.addClient(client)
			case client := <-b.unregister:
				b.removeClient(client)
			case event := <-b.broadcast:
				b.fanOut(event)
			}
		}
	}()
}

func (b *Broadcaster) shutdown() {
	close(b.done)
	for id, client := range b.clients {
		close(client.Channel)
		delete(b.clients, id)
	}
}

// addClient registers client and replays the recent events it wants, as far
// as its buffer allows
func (b *Broadcaster) addClient(client *Client) {
	b.clients[client.ID] = client

	replayed := 0
	for _, event := range b.history {
		if !client.wants(event) {
			continue
		}
		select {
		case client.Channel <- event:
			replayed++
		default:
		}
	}

	logger.Debug().
		Str("client_id", client.ID).
		Int("replayed", replayed).
		Int("total_clients", len(b.clients)).
		Msg("SSE client connected")
}

func (b *Broadcaster) removeClient(client *Client) {
	if _, ok := b.clients[client.ID]; ok {
		close(client.Channel)
		delete(b.clients, client.ID)
	}
	logger.Debug().
		Str("client_id", client.ID).
		Int("total_clients", len(b.clients)).
		Msg("SSE client disconnected")
}

func (b *Broadcaster) fanOut(event *ActivityEvent) {
	if len(b.history) == historySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:historySize-1]
	}
	b.history = append(b.history, event)

	for _, client := range b.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.Channel <- event:
		default:
			logger.Warn().
				Str("client_id", client.ID).
				Str("event_id", event.ID).
				Msg("Client channel full, skipping event")
		}
	}
}

// Register adds a client receiving the events filter accepts. After the
// broadcaster has stopped the returned client's channel is already closed.
func (b *Broadcaster) Register(clientID string, filter Filter) *Client {
	client := &Client{
		ID:      clientID,
		Channel: make(chan *ActivityEvent, 16),
		filter:  filter,
	}
	select {
	case b.register <- client:
	case <-b.done:
		close(client.Channel)
	}
	return client
}

// Unregister removes a client and closes its channel
func (b *Broadcaster) Unregister(client *Client) {
	select {
	case b.unregister <- client:
	case <-b.done:
	}
}

// Broadcast queues an event for delivery, dropping it when the queue is full
func (b *Broadcaster) Broadcast(event *ActivityEvent) {
	select {
	case b.broadcast <- event:
	default:
		logger.Warn().Str("event_type", string(event.Type)).Msg("Broadcast channel full, dropping event")
	}
}

func (b *Broadcaster) nextID() string {
	return fmt.Sprintf("evt-%d", b.counter.Add(1))
}

// ResourceChanged broadcasts a resource status transition. Credentials are
// never included.
func (b *Broadcaster) ResourceChanged(r *storage.Resource, from storage.ResourceStatus) {
	eventType := EventTypeResourceDiscarded
	if r.Status != "" {
		eventType = EventType("resource_" + string(r.Status))
	}

	message := fmt.Sprintf("%s %s: %s", r.BackendType, r.ID, eventType)
	if from != "" {
		message = fmt.Sprintf("%s %s: %s -> %s", r.BackendType, r.ID, from, r.Status)
	}

	details := map[string]interface{}{
		"resource_id": r.ID,
		"owner_id":    r.OwnerID,
		"backend":     string(r.BackendType),
		"trial":       r.IsTrial,
		"from":        string(from),
		"to":          string(r.Status),
	}
	if address := r.ExtraString(storage.ExtraAddress); address != "" {
		details["address"] = address
	}
	if failure := r.ExtraString(storage.ExtraFailure); failure != "" && r.Status == storage.ResourceStatusError {
		details["failure"] = failure
	}

	b.Broadcast(&ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Details:   details,
	})
}

// BroadcastPoolSyncEvent broadcasts a pool inventory sync result
func (b *Broadcaster) BroadcastPoolSyncEvent(success bool, commitHash, commitMessage string, details map[string]interface{}) {
	message := "Pool sync completed"
	if !success {
		message = "Pool sync failed"
	}
	if commitMessage != "" {
		message = fmt.Sprintf("%s: %s", message, commitMessage)
	}

	event := &ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      EventTypePoolSync,
		Message:   message,
		Details: map[string]interface{}{
			"success":        success,
			"commit_hash":    commitHash,
			"commit_message": commitMessage,
		},
	}

	for k, v := range details {
		event.Details[k] = v
	}

	b.Broadcast(event)
}

// BroadcastSweepEvent broadcasts the outcome of a maintenance sweep
func (b *Broadcaster) BroadcastSweepEvent(expired, released int, err error) {
	details := map[string]interface{}{
		"expired":  expired,
		"released": released,
	}
	message := fmt.Sprintf("Sweep expired %d resources, released %d addresses", expired, released)
	if err != nil {
		details["error"] = err.Error()
		message = "Sweep completed with errors"
	}

	b.Broadcast(&ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      EventTypeSweep,
		Message:   message,
		Details:   details,
	})
}

// FormatSSE formats an event as SSE message
func FormatSSE(event *ActivityEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf("id: %s\ndata: %s\n\n", event.ID, data)), nil
}
