package events

import (
	"context"
	"sync"
)

// Sink receives every EmissionResult after dispatch. Implementations persist
// or forward the audit trail; an error is logged by the Bus and dropped.
type Sink interface {
	Record(ctx context.Context, res EmissionResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res EmissionResult) error

func (f SinkFunc) Record(ctx context.Context, res EmissionResult) error { return f(ctx, res) }

// MemorySink stores emissions in-memory for tests and diagnostics.
type MemorySink struct {
	mu      sync.Mutex
	results []EmissionResult
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Record(_ context.Context, res EmissionResult) error {
	m.mu.Lock()
	m.results = append(m.results, res)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Results() []EmissionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmissionResult, len(m.results))
	copy(out, m.results)
	return out
}

// Names returns the emitted event names in order.
func (m *MemorySink) Names() []Name {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Name, len(m.results))
	for i, r := range m.results {
		out[i] = r.Envelope.Name
	}
	return out
}
