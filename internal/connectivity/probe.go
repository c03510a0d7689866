package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/envelope-labs/relay/internal/core/domain"
)

// Probe is the OS/platform connectivity binding. FetchOnce performs a
// single reachability check; Subscribe delivers state changes until the
// returned unsubscribe function is called.
type Probe interface {
	FetchOnce(ctx context.Context) (domain.ConnectivityState, error)
	Subscribe(fn func(domain.ConnectivityState)) (unsubscribe func())
}

// HTTPProbe implements Probe by polling a reachability URL. It reports a
// change to subscribers only when the observed state flips.
type HTTPProbe struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu   sync.Mutex
	subs map[int]func(domain.ConnectivityState)
	next int
	last *domain.ConnectivityState
	stop chan struct{}
}

// NewHTTPProbe creates a polling probe against url.
func NewHTTPProbe(url string, interval time.Duration) *HTTPProbe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HTTPProbe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		subs:     make(map[int]func(domain.ConnectivityState)),
	}
}

// FetchOnce issues a HEAD request against the reachability URL.
func (p *HTTPProbe) FetchOnce(ctx context.Context) (domain.ConnectivityState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return domain.ConnectivityState{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		// Transport failure means the endpoint is unreachable, which is a
		// valid probe result, not a probe error.
		return domain.ConnectivityState{Connected: false, Reachable: false, Transport: "http"}, nil
	}
	resp.Body.Close()
	reachable := resp.StatusCode < 500
	return domain.ConnectivityState{Connected: true, Reachable: reachable, Transport: "http"}, nil
}

// Subscribe registers fn for state-flip notifications and starts the poll
// loop on the first subscriber.
func (p *HTTPProbe) Subscribe(fn func(domain.ConnectivityState)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = fn
	if p.stop == nil {
		p.stop = make(chan struct{})
		go p.poll(p.stop)
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		if len(p.subs) == 0 && p.stop != nil {
			close(p.stop)
			p.stop = nil
		}
		p.mu.Unlock()
	}
}

func (p *HTTPProbe) poll(stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state, err := p.FetchOnce(context.Background())
			if err != nil {
				continue
			}
			p.mu.Lock()
			changed := p.last == nil || *p.last != state
			p.last = &state
			var fns []func(domain.ConnectivityState)
			if changed {
				for _, fn := range p.subs {
					fns = append(fns, fn)
				}
			}
			p.mu.Unlock()
			for _, fn := range fns {
				fn(state)
			}
		}
	}
}
