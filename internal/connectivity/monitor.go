// Package connectivity tracks whether the backend is reachable and lets
// callers subscribe to transitions or block until connectivity returns.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/envelope-labs/relay/internal/core/domain"
)

// Phase is the monitor lifecycle state.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

const (
	initProbeAttempts = 3
	initProbeSpacing  = time.Second
)

type subscriber struct {
	id int
	fn func(domain.ConnectivityState)
}

// Monitor subscribes to a Probe and exposes the current connectivity state,
// synchronous change notification, and waiters. While the initial probe is
// still running the monitor answers optimistically: blocking every caller
// on a slow or broken probe is worse than attempting a request that fails.
type Monitor struct {
	probe Probe
	log   *slog.Logger

	mu      sync.Mutex
	phase   Phase
	state   domain.ConnectivityState
	forced  *bool // test override, nil when inactive
	subs    []subscriber
	nextSub int
	waiters []chan struct{}
	unsub   func()
}

// NewMonitor creates a monitor over probe. Call Start before use.
func NewMonitor(probe Probe, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		probe: probe,
		log:   log,
		state: domain.ConnectivityState{Connected: true, Reachable: true},
	}
}

// Start subscribes to the probe and launches the initial asynchronous
// probe sequence. It never blocks on probe results.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.phase != PhaseUninitialized {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseInitializing
	m.unsub = m.probe.Subscribe(m.onProbeChange)
	m.mu.Unlock()

	go m.initialize(ctx)
}

func (m *Monitor) initialize(ctx context.Context) {
	for attempt := 1; attempt <= initProbeAttempts; attempt++ {
		state, err := m.probe.FetchOnce(ctx)
		if err == nil {
			m.ready(state)
			return
		}
		m.log.Debug("connectivity probe failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			break
		case <-time.After(initProbeSpacing):
			continue
		}
		break
	}

	// All probes failed: default to optimistic connected rather than
	// holding callers hostage to a broken probe.
	m.log.Warn("connectivity probe unavailable, assuming connected")
	m.ready(domain.ConnectivityState{Connected: true, Reachable: true, Transport: "unknown"})
}

func (m *Monitor) ready(state domain.ConnectivityState) {
	m.mu.Lock()
	if m.phase == PhaseReady {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseReady
	m.mu.Unlock()
	m.setState(state)
}

// onProbeChange handles probe notifications.
func (m *Monitor) onProbeChange(state domain.ConnectivityState) {
	m.mu.Lock()
	if m.phase != PhaseReady {
		m.phase = PhaseReady
	}
	m.mu.Unlock()
	m.setState(state)
}

// setState records the new state and notifies subscribers synchronously in
// registration order. Connected transitions release all waiters.
func (m *Monitor) setState(state domain.ConnectivityState) {
	m.mu.Lock()
	prev := m.state
	m.state = state

	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)

	var waiters []chan struct{}
	if m.connectedLocked() {
		waiters = m.waiters
		m.waiters = nil
	}
	m.mu.Unlock()

	if prev != state {
		m.log.Info("connectivity changed",
			"connected", state.Connected,
			"reachable", state.Reachable,
			"transport", state.Transport)
	}
	for _, s := range subs {
		s.fn(state)
	}
	for _, w := range waiters {
		close(w)
	}
}

// connectedLocked applies the force-offline override and the optimistic
// pre-Ready policy. Caller holds m.mu.
func (m *Monitor) connectedLocked() bool {
	if m.forced != nil {
		return !*m.forced
	}
	if m.phase != PhaseReady {
		return true
	}
	return m.state.Connected
}

// IsConnected reports whether requests should be attempted. It returns
// true while the monitor is still initializing.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

// CurrentState returns the last observed connectivity snapshot.
func (m *Monitor) CurrentState() domain.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forced != nil {
		return domain.ConnectivityState{Connected: !*m.forced, Reachable: !*m.forced, Transport: m.state.Transport}
	}
	return m.state
}

// Phase returns the monitor lifecycle phase.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Subscribe registers a listener notified synchronously on every state
// change, in registration order. The returned function removes it.
func (m *Monitor) Subscribe(fn func(domain.ConnectivityState)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// WaitForConnection blocks until the monitor reports connected, the
// timeout elapses, or ctx is cancelled. It returns true only on
// connectivity.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	if m.connectedLocked() {
		m.mu.Unlock()
		return true
	}
	w := make(chan struct{})
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ForceOffline overrides the probed state until ClearForcedState. Test hook.
func (m *Monitor) ForceOffline(offline bool) {
	m.mu.Lock()
	m.forced = &offline
	state := m.state
	state.Connected = !offline
	state.Reachable = !offline
	m.mu.Unlock()
	m.setState(state)
}

// ClearForcedState removes the ForceOffline override.
func (m *Monitor) ClearForcedState() {
	m.mu.Lock()
	m.forced = nil
	m.mu.Unlock()
}

// Stop unsubscribes from the probe.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
