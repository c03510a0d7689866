package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/envelope-labs/relay/internal/connectivity"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/storage/memstore"
)

type nullProbe struct{}

func (nullProbe) FetchOnce(ctx context.Context) (domain.ConnectivityState, error) {
	return domain.ConnectivityState{Connected: true, Reachable: true}, nil
}
func (nullProbe) Subscribe(fn func(domain.ConnectivityState)) func() { return func() {} }

// offlineMonitor returns a monitor forced offline so Admit never triggers
// an opportunistic replay during setup.
func offlineMonitor() *connectivity.Monitor {
	m := connectivity.NewMonitor(nullProbe{}, nil)
	m.ForceOffline(true)
	return m
}

func testRequest(method, url string, prio domain.Priority) domain.Request {
	return domain.Request{
		URL:     url,
		Method:  method,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"amount":10}`),
		Meta:    domain.Metadata{Priority: prio},
	}
}

func TestAdmitDefaultsAndPersistence(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := New(Config{}, store, offlineMonitor(), nil, nil)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	id, err := q.Admit(ctx, testRequest("POST", "/api/transactions", ""))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("Admit returned empty id")
	}

	items := q.List()
	if len(items) != 1 {
		t.Fatalf("List() has %d items, want 1", len(items))
	}
	it := items[0]
	if it.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", it.RetryCount)
	}
	if it.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", it.MaxRetries)
	}
	if it.Priority() != domain.PriorityMedium {
		t.Errorf("Priority = %v, want default medium", it.Priority())
	}

	// Persisted synchronously.
	raw, _ := store.GetItem(ctx, DefaultConfig().Key)
	if raw == "" {
		t.Fatal("queue not persisted after admission")
	}
	var persisted []domain.QueuedRequest
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("persisted queue unreadable: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != id {
		t.Errorf("persisted state mismatch: %+v", persisted)
	}
}

func TestPersistenceSurvivesNonJSONBody(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := New(Config{}, store, offlineMonitor(), nil, nil)

	goodID, err := q.Admit(ctx, testRequest("POST", "/api/transactions", domain.PriorityMedium))
	if err != nil {
		t.Fatal(err)
	}
	bad := testRequest("POST", "/api/notes", domain.PriorityMedium)
	bad.Body = []byte("plain text, not json")
	badID, err := q.Admit(ctx, bad)
	if err != nil {
		t.Fatal(err)
	}

	// Both stay queued in memory for replay with their original bodies.
	if n := len(q.List()); n != 2 {
		t.Fatalf("List() has %d items, want 2", n)
	}

	// The unserializable record is skipped; the rest persist.
	raw, _ := store.GetItem(ctx, DefaultConfig().Key)
	var persisted []domain.QueuedRequest
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("persisted queue unreadable: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != goodID {
		t.Errorf("persisted state = %+v, want only %s", persisted, goodID)
	}
	for _, it := range persisted {
		if it.ID == badID {
			t.Error("non-JSON record made it into the persisted snapshot")
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := New(Config{}, memstore.New(), offlineMonitor(), nil, nil)

	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityHigh, domain.PriorityMedium} {
		if _, err := q.Admit(ctx, testRequest("POST", "/api/transactions", p)); err != nil {
			t.Fatal(err)
		}
	}

	items := q.List()
	got := []domain.Priority{items[0].Priority(), items[1].Priority(), items[2].Priority()}
	want := []domain.Priority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay order = %v, want %v", got, want)
		}
	}
}

func TestEvictionAtBound(t *testing.T) {
	ctx := context.Background()
	q := New(Config{MaxItems: 100}, memstore.New(), offlineMonitor(), nil, nil)

	var firstID string
	for i := 0; i < 101; i++ {
		id, err := q.Admit(ctx, testRequest("POST", fmt.Sprintf("/api/transactions/%d", i), domain.PriorityMedium))
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			firstID = id
		}
	}

	items := q.List()
	if len(items) != 100 {
		t.Fatalf("queue size = %d, want 100", len(items))
	}
	for _, it := range items {
		if it.ID == firstID {
			t.Error("oldest item survived eviction on the 101st admission")
		}
	}
}

func TestEvictionPrefersLowPriority(t *testing.T) {
	ctx := context.Background()
	q := New(Config{MaxItems: 3}, memstore.New(), offlineMonitor(), nil, nil)

	highID, _ := q.Admit(ctx, testRequest("POST", "/api/a", domain.PriorityHigh))
	lowID, _ := q.Admit(ctx, testRequest("POST", "/api/b", domain.PriorityLow))
	_, _ = q.Admit(ctx, testRequest("POST", "/api/c", domain.PriorityMedium))

	var evicted []string
	q.Subscribe(func(e Event) {
		if e.Type == EventEvicted {
			evicted = append(evicted, e.Item.ID)
		}
	})

	_, _ = q.Admit(ctx, testRequest("POST", "/api/d", domain.PriorityMedium))

	if len(evicted) != 1 || evicted[0] != lowID {
		t.Errorf("evicted %v, want the low-priority item %s", evicted, lowID)
	}
	for _, it := range q.List() {
		if it.ID == highID {
			return
		}
	}
	t.Error("high-priority item missing after eviction")
}

func TestReplayDrainsQueue(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	monitor := offlineMonitor()

	var mu sync.Mutex
	var executed []string
	exec := func(ctx context.Context, req domain.QueuedRequest) error {
		mu.Lock()
		executed = append(executed, req.URL)
		mu.Unlock()
		return nil
	}

	q := New(Config{}, store, monitor, exec, nil)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	var replayed int
	q.Subscribe(func(e Event) {
		if e.Type == EventReplayed {
			replayed++
		}
	})

	_, _ = q.Admit(ctx, testRequest("POST", "/api/1", domain.PriorityLow))
	_, _ = q.Admit(ctx, testRequest("POST", "/api/2", domain.PriorityHigh))

	monitor.ForceOffline(false)
	waitForDrain(t, q)

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 2 || executed[0] != "/api/2" || executed[1] != "/api/1" {
		t.Errorf("executed = %v, want high before low", executed)
	}
	if replayed != 2 {
		t.Errorf("replayed events = %d, want 2", replayed)
	}
	raw, _ := store.GetItem(ctx, DefaultConfig().Key)
	if raw != "[]" && raw != "" && raw != "null" {
		t.Errorf("persisted queue not emptied: %q", raw)
	}
}

func TestReplayIsSinglePass(t *testing.T) {
	ctx := context.Background()
	monitor := offlineMonitor()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var calls int
	exec := func(ctx context.Context, req domain.QueuedRequest) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return nil
	}

	q := New(Config{}, memstore.New(), monitor, exec, nil)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	_, _ = q.Admit(ctx, testRequest("POST", "/api/1", domain.PriorityMedium))
	_, _ = q.Admit(ctx, testRequest("POST", "/api/2", domain.PriorityMedium))

	// Reconnection triggers exactly one pass.
	monitor.ForceOffline(false)
	<-started

	if !q.Stats().Processing {
		t.Error("Stats().Processing = false during a pass")
	}

	// A concurrent manual pass while one is running must be a no-op.
	q.ReplayAll(ctx)
	close(release)
	waitForDrain(t, q)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("executor calls = %d, want 2 (one per item, one pass)", calls)
	}
}

func TestReplayTerminalFailure(t *testing.T) {
	ctx := context.Background()
	monitor := connectivity.NewMonitor(nullProbe{}, nil) // connected

	var mu sync.Mutex
	var calls int
	exec := func(ctx context.Context, req domain.QueuedRequest) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("backend rejects it every time")
	}

	q := New(Config{FallbackInterval: 5 * time.Millisecond}, memstore.New(), monitor, exec, nil)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	dropped := make(chan domain.QueuedRequest, 1)
	q.Subscribe(func(e Event) {
		if e.Type == EventDropped {
			dropped <- e.Item
		}
	})

	req := testRequest("POST", "/api/doomed", domain.PriorityMedium)
	req.MaxRetries = 3
	id, _ := q.Admit(ctx, req)

	select {
	case it := <-dropped:
		if it.ID != id {
			t.Errorf("dropped id = %s, want %s", it.ID, id)
		}
		if it.RetryCount != 3 {
			t.Errorf("RetryCount at drop = %d, want 3", it.RetryCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("item never dropped after exhausting retries")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("executor calls = %d, want exactly maxRetries (3)", calls)
	}
	if n := len(q.List()); n != 0 {
		t.Errorf("queue still holds %d items after terminal failure", n)
	}
}

func TestQueueStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	q1 := New(Config{}, store, offlineMonitor(), nil, nil)
	if err := q1.Start(ctx); err != nil {
		t.Fatal(err)
	}
	id, _ := q1.Admit(ctx, testRequest("POST", "/api/transactions", domain.PriorityHigh))
	q1.Stop()

	q2 := New(Config{}, store, offlineMonitor(), nil, nil)
	if err := q2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q2.Stop()

	items := q2.List()
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("restart lost queue state: %+v", items)
	}
}

func TestLoadToleratesOldRecords(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	// An old record: unknown field, no maxRetries, no metadata.
	old := `[{"id":"legacy-1","url":"/api/transactions","method":"POST","timestamp":"2024-01-02T03:04:05Z","retryCount":1,"futureField":{"x":1}}]`
	_ = store.SetItem(ctx, DefaultConfig().Key, old)

	q := New(Config{}, store, offlineMonitor(), nil, nil)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	items := q.List()
	if len(items) != 1 {
		t.Fatalf("legacy record not loaded: %+v", items)
	}
	it := items[0]
	if it.MaxRetries != 3 {
		t.Errorf("legacy MaxRetries = %d, want defaulted 3", it.MaxRetries)
	}
	if it.Priority() != domain.PriorityMedium {
		t.Errorf("legacy Priority = %v, want defaulted medium", it.Priority())
	}
	if it.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want preserved 1", it.RetryCount)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	q := New(Config{}, memstore.New(), offlineMonitor(), nil, nil)

	_, _ = q.Admit(ctx, testRequest("POST", "/api/1", domain.PriorityHigh))
	_, _ = q.Admit(ctx, testRequest("POST", "/api/2", domain.PriorityHigh))
	_, _ = q.Admit(ctx, testRequest("POST", "/api/3", domain.PriorityLow))

	stats := q.Stats()
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByPriority[domain.PriorityHigh] != 2 || stats.ByPriority[domain.PriorityLow] != 1 {
		t.Errorf("ByPriority = %v", stats.ByPriority)
	}
	if stats.OldestTimestamp == nil {
		t.Error("OldestTimestamp missing")
	}
	if stats.Processing {
		t.Error("Processing should be false outside a pass")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q := New(Config{}, memstore.New(), offlineMonitor(), nil, nil)

	id, _ := q.Admit(ctx, testRequest("POST", "/api/1", domain.PriorityMedium))
	if !q.Remove(ctx, id) {
		t.Fatal("Remove returned false for existing id")
	}
	if q.Remove(ctx, id) {
		t.Error("Remove returned true for missing id")
	}
	if len(q.List()) != 0 {
		t.Error("item still listed after Remove")
	}
}

func waitForDrain(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := q.Stats()
		if s.Total == 0 && !s.Processing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue never drained: %+v", q.Stats())
}
