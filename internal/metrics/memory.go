package metrics

import (
	"context"
	"sync"
	"time"
)

// MemoryRecorder keeps counts in memory. It backs tests across packages and
// the local debug mode, where nothing scrapes or ships metrics.
type MemoryRecorder struct {
	mu           sync.Mutex
	counters     map[string]int
	errors       map[string]int
	observations map[string][]time.Duration
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		counters:     make(map[string]int),
		errors:       make(map[string]int),
		observations: make(map[string][]time.Duration),
	}
}

func (m *MemoryRecorder) Inc(_ context.Context, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

func (m *MemoryRecorder) IncError(_ context.Context, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[source]++
}

func (m *MemoryRecorder) Observe(_ context.Context, name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[name] = append(m.observations[name], d)
}

// Count returns the value of the named counter.
func (m *MemoryRecorder) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Errors returns the error count for the given source.
func (m *MemoryRecorder) Errors(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[source]
}

// TotalErrors returns the error count across all sources.
func (m *MemoryRecorder) TotalErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.errors {
		total += n
	}
	return total
}

// Observations returns the number of samples recorded in the named histogram.
func (m *MemoryRecorder) Observations(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observations[name])
}

var _ Recorder = (*MemoryRecorder)(nil)
