// Package netstatus tracks server reachability for the sync engine.
package netstatus

import (
	"net/http"
	"sync"
	"time"

	"github.com/Cryborg/scoresheets-sync/internal/logging"
)

// Monitor probes the server at a fixed interval and notifies subscribers
// whenever reachability flips. The zero state is offline until a probe
// succeeds or SetOnline is called.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu          sync.RWMutex
	online      bool
	subscribers []func(online bool)

	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewMonitor creates a monitor probing probeURL every interval.
func NewMonitor(probeURL string, interval time.Duration) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Online reports the last observed reachability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline overrides the observed state, for callers that learn about
// connectivity from another channel. Subscribers fire only on change.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{
		"online": online,
	})
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a callback fired on every reachability change.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start begins the probe loop. Safe to call while running.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	m.SetOnline(m.probe())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SetOnline(m.probe())
		}
	}
}

func (m *Monitor) probe() bool {
	resp, err := m.client.Head(m.probeURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
