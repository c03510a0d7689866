package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/envelope-labs/relay/internal/connectivity"
	"github.com/envelope-labs/relay/internal/core/apierr"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/queue"
	"github.com/envelope-labs/relay/internal/retry"
	"github.com/envelope-labs/relay/internal/storage/memstore"
)

type testProbe struct{}

func (testProbe) FetchOnce(ctx context.Context) (domain.ConnectivityState, error) {
	return domain.ConnectivityState{Connected: true, Reachable: true}, nil
}
func (testProbe) Subscribe(fn func(domain.ConnectivityState)) func() { return func() {} }

// fakeSession counts refreshes and can be told to fail them.
type fakeSession struct {
	mu         sync.Mutex
	token      string
	valid      bool
	needs      bool
	refreshes  int
	refreshErr error
	harvested  string
}

func (s *fakeSession) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}
func (s *fakeSession) HasValidTokens() bool { return s.valid }
func (s *fakeSession) NeedsRefresh() bool   { return s.needs }
func (s *fakeSession) RefreshTokens(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return s.refreshErr
	}
	s.token = "refreshed-token"
	return nil
}
func (s *fakeSession) ClearTokens() {}
func (s *fakeSession) HarvestTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harvested = access
}

func (s *fakeSession) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

type fixture struct {
	client  *Client
	monitor *connectivity.Monitor
	queue   *queue.Queue
	session *fakeSession
}

func newFixture(t *testing.T, baseURL string) *fixture {
	t.Helper()
	monitor := connectivity.NewMonitor(testProbe{}, nil)
	transport := NewHTTPTransport(5*time.Second, BreakerConfig{})
	sess := &fakeSession{token: "initial-token", valid: true}
	q := queue.New(queue.Config{}, memstore.New(), monitor, QueueExecutor(transport, sess), nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Stop)

	engine := retry.NewEngine(monitor, nil)
	engine.SetWaitTimeout(20 * time.Millisecond)

	policy := retry.DefaultPolicy()
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond

	client := NewClient(Config{
		BaseURL: baseURL,
		Policy:  policy,
	}, transport, sess, monitor, q, engine, nil)

	return &fixture{client: client, monitor: monitor, queue: q, session: sess}
}

func TestRequestSuccessInjectsBearer(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "tx-1"})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	res, err := f.client.Request(context.Background(), "POST", "/api/transactions",
		map[string]int{"amount": 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued() {
		t.Fatal("online request was queued")
	}
	if res.Response.Status != 200 {
		t.Errorf("status = %d", res.Response.Status)
	}
	if gotAuth.Load() != "Bearer initial-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth.Load())
	}
}

func TestRefreshRetryOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			t.Errorf("retry used stale token: %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	res, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Status != 200 {
		t.Errorf("status = %d, want 200 after refresh-retry", res.Response.Status)
	}
	if f.session.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want exactly 1", f.session.refreshCount())
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("server calls = %d, want 2", calls)
	}
}

func TestSecondConsecutive401SurfacesAuthentication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil)

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindAuthentication {
		t.Fatalf("err = %v, want Authentication", err)
	}
	if f.session.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want exactly 1 (no refresh loop)", f.session.refreshCount())
	}
}

func TestOfflineMutationIsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("offline request reached the server")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.monitor.ForceOffline(true)

	res, err := f.client.Request(context.Background(), "POST", "/api/transactions",
		map[string]int{"amount": 5}, &Options{Priority: domain.PriorityHigh, Context: "create-transaction"})
	if err != nil {
		t.Fatalf("queued deferral surfaced as failure: %v", err)
	}
	if !res.Queued() {
		t.Fatal("offline mutation was not queued")
	}

	items := f.queue.List()
	if len(items) != 1 || items[0].ID != res.QueuedID {
		t.Fatalf("queue contents = %+v", items)
	}
	if items[0].RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", items[0].RetryCount)
	}
	if items[0].Priority() != domain.PriorityHigh {
		t.Errorf("Priority = %v, want high", items[0].Priority())
	}
	if items[0].Meta.Context != "create-transaction" {
		t.Errorf("Context = %q", items[0].Meta.Context)
	}
}

func TestOfflineGetFailsFast(t *testing.T) {
	f := newFixture(t, "http://unreachable.invalid")
	f.monitor.ForceOffline(true)

	_, err := f.client.Request(context.Background(), "GET", "/api/accounts", nil, nil)
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindNetwork {
		t.Fatalf("err = %v, want Network", err)
	}
	if n := len(f.queue.List()); n != 0 {
		t.Errorf("GET landed in the offline queue (%d items)", n)
	}
}

func TestAuthGuardRejectsWithoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unauthenticated request reached the server")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.session.valid = false

	_, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil)
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindAuthentication {
		t.Fatalf("err = %v, want Authentication from the guard", err)
	}
}

func TestAuthGuardAllowsPublicPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.session.valid = false

	if _, err := f.client.Request(context.Background(), "POST", "/auth/login",
		map[string]string{"user": "x"}, nil); err != nil {
		t.Fatalf("public path rejected: %v", err)
	}
}

func TestServerErrorRetriesToBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	_, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil)

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindServer {
		t.Fatalf("err = %v, want Server", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("server calls = %d, want 3 (maxRetries)", calls)
	}
}

func TestProactiveRefreshNearExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.session.needs = true

	if _, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil); err != nil {
		t.Fatal(err)
	}
	if f.session.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1 proactive refresh", f.session.refreshCount())
	}
}

func TestTokenHarvest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Access-Token", "rotated-token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	if _, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil); err != nil {
		t.Fatal(err)
	}

	f.session.mu.Lock()
	harvested := f.session.harvested
	f.session.mu.Unlock()
	if harvested != "rotated-token" {
		t.Errorf("harvested = %q, want rotated-token", harvested)
	}
}

func TestCustomInterceptorRunsAfterCanonicalChain(t *testing.T) {
	var sawAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.client.Use(RequestInterceptor{ID: "assert-auth", Fn: func(ctx context.Context, req domain.Request) (domain.Request, error) {
		sawAuth.Store(req.Headers["Authorization"] != "")
		return req.Header("X-Custom", "1"), nil
	}})

	if _, err := f.client.Request(context.Background(), "POST", "/api/transactions", nil, nil); err != nil {
		t.Fatal(err)
	}
	if saw, _ := sawAuth.Load().(bool); !saw {
		t.Error("custom interceptor ran before bearer injection")
	}
}

func TestReplayAfterReconnectDeliversQueuedRequest(t *testing.T) {
	var delivered atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Store(r.Header.Get(queue.RequestIDHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.monitor.ForceOffline(true)

	res, err := f.client.Request(context.Background(), "POST", "/api/transactions",
		map[string]int{"amount": 7}, nil)
	if err != nil || !res.Queued() {
		t.Fatalf("admission failed: %v, %+v", err, res)
	}

	f.monitor.ForceOffline(false)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.queue.Stats().Total == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.queue.Stats().Total != 0 {
		t.Fatal("queue never drained after reconnect")
	}
	if got, _ := delivered.Load().(string); got != res.QueuedID {
		t.Errorf("replayed request id header = %q, want %q", got, res.QueuedID)
	}
}

func TestReplayCarriesCurrentBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.monitor.ForceOffline(true)

	res, err := f.client.Request(context.Background(), "POST", "/api/transactions",
		map[string]int{"amount": 3}, nil)
	if err != nil || !res.Queued() {
		t.Fatalf("admission failed: %v, %+v", err, res)
	}

	// The token rotates while the item sits in the queue; replay must use
	// the rotated token, not whatever was current at admission.
	f.session.mu.Lock()
	f.session.token = "rotated-while-queued"
	f.session.mu.Unlock()

	f.monitor.ForceOffline(false)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.queue.Stats().Total == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.queue.Stats().Total != 0 {
		t.Fatal("queue never drained after reconnect")
	}
	if got, _ := gotAuth.Load().(string); got != "Bearer rotated-while-queued" {
		t.Errorf("replayed Authorization = %q, want the current bearer token", got)
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"http://api.test", "/v1/accounts", "http://api.test/v1/accounts"},
		{"http://api.test/", "/v1/accounts", "http://api.test/v1/accounts"},
		{"http://api.test", "v1/accounts", "http://api.test/v1/accounts"},
		{"http://api.test", "", "http://api.test"},
		{"http://api.test", "https://other.test/x", "https://other.test/x"},
	}
	for _, tt := range tests {
		if got := joinURL(tt.base, tt.path); got != tt.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
