// Package queue persists mutating requests admitted while offline and
// replays them when connectivity returns.
//
// Every mutation of the in-memory list is followed synchronously by a
// persistence write before any other queue operation observes the new
// state. Storage write failures are logged and swallowed: the in-memory
// queue stays authoritative for the current process, a documented
// durability gap under crash-between-mutation-and-persist.
//
// Replay and a live retry of the same logical request may both reach the
// backend under sustained flakiness; no key-based dedup is performed, but
// replayed requests carry their queue id in X-Relay-Request-Id so a server
// can deduplicate if it chooses to.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envelope-labs/relay/internal/connectivity"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/metrics"
	"github.com/envelope-labs/relay/internal/storage"
)

// RequestIDHeader carries the queue id on replayed requests.
const RequestIDHeader = "X-Relay-Request-Id"

// EventType tags queue notifications.
type EventType string

const (
	EventAdmitted EventType = "admitted"
	EventReplayed EventType = "replayed"
	EventEvicted  EventType = "evicted"
	// EventDropped reports terminal failure: the item exhausted its retry
	// budget and was removed permanently.
	EventDropped EventType = "dropped"
)

// Event is delivered to queue subscribers.
type Event struct {
	Type EventType
	Item domain.QueuedRequest
	Err  error
}

// Executor submits one queued request to the transport during replay.
type Executor func(ctx context.Context, req domain.QueuedRequest) error

// Config tunes the queue.
type Config struct {
	// Key is the storage key the serialized queue lives under.
	Key string
	// MaxItems bounds the queue; admission beyond it evicts.
	MaxItems int
	// DefaultMaxRetries applies to admissions that specify none.
	DefaultMaxRetries int
	// FallbackInterval schedules another replay pass while items remain.
	FallbackInterval time.Duration
}

// DefaultConfig provides the standard bounds.
func DefaultConfig() Config {
	return Config{
		Key:               "relay.offline_queue",
		MaxItems:          100,
		DefaultMaxRetries: domain.DefaultQueuedMaxRetries,
		FallbackInterval:  5 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Key == "" {
		c.Key = d.Key
	}
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = d.FallbackInterval
	}
}

// Stats is the diagnostics snapshot.
type Stats struct {
	Total           int                     `json:"total"`
	ByPriority      map[domain.Priority]int `json:"byPriority"`
	OldestTimestamp *time.Time              `json:"oldestTimestamp,omitempty"`
	Processing      bool                    `json:"processing"`
}

// Queue is the durable offline request queue.
type Queue struct {
	cfg     Config
	store   storage.Store
	monitor *connectivity.Monitor
	exec    Executor
	log     *slog.Logger

	mu        sync.Mutex
	items     []domain.QueuedRequest
	replaying bool
	subs      []func(Event)
	timer     *time.Timer
	unsub     func()
	stopped   bool
}

// New creates a queue. Call Start to load persisted state and begin
// reacting to connectivity transitions.
func New(cfg Config, store storage.Store, monitor *connectivity.Monitor, exec Executor, log *slog.Logger) *Queue {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		exec:    exec,
		log:     log,
	}
}

// Start loads the persisted queue (authoritative across restarts) and
// subscribes to connectivity so an offline→online transition triggers a
// replay pass.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.load(ctx); err != nil {
		return err
	}

	wasConnected := q.monitor.IsConnected()
	var transMu sync.Mutex
	q.unsub = q.monitor.Subscribe(func(state domain.ConnectivityState) {
		transMu.Lock()
		reconnect := state.Connected && !wasConnected
		wasConnected = state.Connected
		transMu.Unlock()
		if reconnect {
			go q.replay(context.Background())
		}
	})
	return nil
}

// Stop detaches from connectivity and cancels the fallback timer.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	unsub := q.unsub
	q.unsub = nil
	q.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Subscribe registers fn for queue events. The returned function removes it.
func (q *Queue) Subscribe(fn func(Event)) func() {
	q.mu.Lock()
	q.subs = append(q.subs, fn)
	idx := len(q.subs) - 1
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if idx < len(q.subs) {
			q.subs[idx] = func(Event) {}
		}
	}
}

// Admit accepts a request into the queue, returning its id. The pipeline
// decides admissibility; the queue assigns identity, defaults, ordering
// and persistence, then replays opportunistically if already connected.
func (q *Queue) Admit(ctx context.Context, req domain.Request) (string, error) {
	item := domain.QueuedRequest{
		ID:         uuid.New().String(),
		URL:        req.URL,
		Method:     req.Method,
		Data:       json.RawMessage(req.Body),
		Headers:    req.Headers,
		Timestamp:  time.Now(),
		MaxRetries: req.MaxRetries,
		Meta: &domain.QueuedMeta{
			Priority: req.Meta.Priority,
			Context:  req.Meta.Context,
		},
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.cfg.DefaultMaxRetries
	}
	item.Normalize()

	q.mu.Lock()
	var evicted *domain.QueuedRequest
	if len(q.items) >= q.cfg.MaxItems {
		evicted = q.evictLocked()
	}
	q.items = append(q.items, item)
	q.sortLocked()
	q.persistLocked(ctx)
	q.mu.Unlock()

	if evicted != nil {
		metrics.QueueEvictionsTotal.Inc()
		q.log.Warn("offline queue full, evicted request",
			"evicted_id", evicted.ID,
			"priority", evicted.Priority())
		q.notify(Event{Type: EventEvicted, Item: *evicted})
	}
	q.log.Info("request admitted to offline queue",
		"id", item.ID,
		"method", item.Method,
		"url", item.URL,
		"priority", item.Priority())
	q.notify(Event{Type: EventAdmitted, Item: item})

	if q.monitor.IsConnected() {
		go q.replay(context.Background())
	}
	return item.ID, nil
}

// evictLocked removes the oldest low-priority item, or the oldest overall
// when no low-priority item exists. Caller holds q.mu.
func (q *Queue) evictLocked() *domain.QueuedRequest {
	victim := -1
	for i, it := range q.items {
		if it.Priority() != domain.PriorityLow {
			continue
		}
		if victim == -1 || it.Timestamp.Before(q.items[victim].Timestamp) {
			victim = i
		}
	}
	if victim == -1 {
		for i, it := range q.items {
			if victim == -1 || it.Timestamp.Before(q.items[victim].Timestamp) {
				victim = i
			}
		}
	}
	if victim == -1 {
		return nil
	}
	out := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	return &out
}

// ReplayAll runs one replay pass. Overlapping calls collapse into the
// in-flight pass (re-entrancy guard).
func (q *Queue) ReplayAll(ctx context.Context) {
	q.replay(ctx)
}

func (q *Queue) replay(ctx context.Context) {
	q.mu.Lock()
	if q.replaying || q.stopped || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.replaying = true
	snapshot := make([]domain.QueuedRequest, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	q.log.Info("replaying offline queue", "count", len(snapshot))

	// Strictly sequential: ordering and at-least-once delivery beat speed
	// here, and concurrent replay would double-submit.
	for _, item := range snapshot {
		if ctx.Err() != nil || !q.monitor.IsConnected() {
			break
		}
		if !q.contains(item.ID) {
			continue
		}

		err := q.exec(ctx, item)
		if err == nil {
			q.removeAndPersist(ctx, item.ID)
			metrics.QueueReplaysTotal.WithLabelValues("success").Inc()
			q.notify(Event{Type: EventReplayed, Item: item})
			continue
		}

		dropped := q.recordFailure(ctx, item.ID)
		if dropped != nil {
			metrics.QueueReplaysTotal.WithLabelValues("dropped").Inc()
			q.log.Error("queued request exhausted its retry budget",
				"id", dropped.ID,
				"method", dropped.Method,
				"url", dropped.URL,
				"error", err)
			q.notify(Event{Type: EventDropped, Item: *dropped, Err: err})
		} else {
			metrics.QueueReplaysTotal.WithLabelValues("failure").Inc()
			q.log.Warn("queued request replay failed", "id", item.ID, "error", err)
		}
	}

	q.mu.Lock()
	q.replaying = false
	remaining := len(q.items)
	if remaining > 0 && !q.stopped {
		q.scheduleFallbackLocked()
	}
	q.mu.Unlock()

	if remaining > 0 {
		q.log.Debug("offline queue not drained", "remaining", remaining)
	}
}

// scheduleFallbackLocked arms the fallback timer for another pass. Caller
// holds q.mu.
func (q *Queue) scheduleFallbackLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.cfg.FallbackInterval, func() {
		q.replay(context.Background())
	})
}

func (q *Queue) contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) removeAndPersist(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
	q.persistLocked(ctx)
}

// recordFailure increments the item's retry count, removing it permanently
// once the budget is exhausted. Returns the dropped item, or nil if it
// remains queued.
func (q *Queue) recordFailure(ctx context.Context, id string) *domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		q.items[i].RetryCount++
		if q.items[i].RetryCount >= q.items[i].MaxRetries {
			dropped := q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.persistLocked(ctx)
			return &dropped
		}
		q.persistLocked(ctx)
		return nil
	}
	return nil
}

// Remove deletes one item by id.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(id) {
		return false
	}
	q.persistLocked(ctx)
	return true
}

func (q *Queue) removeLocked(id string) bool {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a copy of the queue in replay order.
func (q *Queue) List() []domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedRequest, len(q.items))
	copy(out, q.items)
	return out
}

// Stats returns the diagnostics snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Total:      len(q.items),
		ByPriority: make(map[domain.Priority]int),
		Processing: q.replaying,
	}
	for _, it := range q.items {
		stats.ByPriority[it.Priority()]++
		if stats.OldestTimestamp == nil || it.Timestamp.Before(*stats.OldestTimestamp) {
			ts := it.Timestamp
			stats.OldestTimestamp = &ts
		}
	}
	return stats
}

// sortLocked orders items by priority descending, then admission time
// ascending. Caller holds q.mu.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		pi, pj := q.items[i].Priority().Weight(), q.items[j].Priority().Weight()
		if pi != pj {
			return pi > pj
		}
		return q.items[i].Timestamp.Before(q.items[j].Timestamp)
	})
}

// persistLocked writes the queue synchronously. Failures are logged and
// swallowed; memory stays authoritative. Records are serialized one by one:
// an item whose body is not valid JSON cannot be encoded, and skipping it
// keeps every other item durable. Caller holds q.mu.
func (q *Queue) persistLocked(ctx context.Context) {
	metrics.QueueDepth.Set(float64(len(q.items)))

	records := make([]json.RawMessage, 0, len(q.items))
	for i := range q.items {
		rec, err := json.Marshal(q.items[i])
		if err != nil {
			q.log.Error("skipping unserializable queued request",
				"id", q.items[i].ID,
				"url", q.items[i].URL,
				"error", err)
			continue
		}
		records = append(records, rec)
	}

	data, err := json.Marshal(records)
	if err != nil {
		q.log.Error("failed to serialize offline queue", "error", err)
		return
	}
	if err := q.store.SetItem(ctx, q.cfg.Key, string(data)); err != nil {
		q.log.Error("failed to persist offline queue", "error", err)
	}
}

// load restores persisted state. Unknown fields are ignored and missing
// optional fields defaulted, so old records stay readable.
func (q *Queue) load(ctx context.Context) error {
	raw, err := q.store.GetItem(ctx, q.cfg.Key)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}

	var items []domain.QueuedRequest
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		// A corrupt record should not brick the queue forever.
		q.log.Error("discarding unreadable offline queue state", "error", err)
		return nil
	}
	for i := range items {
		items[i].Normalize()
	}

	q.mu.Lock()
	q.items = items
	q.sortLocked()
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(len(items)))

	if len(items) > 0 {
		q.log.Info("restored offline queue", "count", len(items))
	}
	return nil
}

func (q *Queue) notify(e Event) {
	q.mu.Lock()
	subs := make([]func(Event), len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}
