package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Checker reports the current health of one component.
type Checker func(ctx context.Context) Status

// DefaultCheckTimeout bounds a single Check run.
const DefaultCheckTimeout = 2 * time.Second

// Monitor runs named checks and keeps their last results.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]Checker
	statuses map[string]Status
	timeout  time.Duration
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks:   make(map[string]Checker),
		statuses: make(map[string]Status),
		timeout:  DefaultCheckTimeout,
	}
}

// Register adds or replaces a named check.
func (m *Monitor) Register(name string, check Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records a status pushed by a component without a check.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get returns the last status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Remove forgets a check and its last status.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
	delete(m.statuses, name)
}

// Names returns the sorted names of known components.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool, len(m.checks)+len(m.statuses))
	for n := range m.checks {
		seen[n] = true
	}
	for n := range m.statuses {
		seen[n] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check concurrently and returns the aggregate
// named "mapeflow". Pushed statuses without a check are included as last
// reported.
func (m *Monitor) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	checks := make(map[string]Checker, len(m.checks))
	for n, c := range m.checks {
		checks[n] = c
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan Status, len(checks))
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := check(ctx)
			s.Component = name
			results <- s
		}()
	}
	wg.Wait()
	close(results)

	for s := range results {
		m.Update(s.Component, s)
	}

	subs := make([]Status, 0, len(checks))
	for _, name := range m.Names() {
		if s, ok := m.Get(name); ok {
			subs = append(subs, s)
		}
	}
	return Aggregate("mapeflow", subs)
}
