// Package store provides the dimension counter backends used by the billing
// engine.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/pkg/models"
)

// Memory keeps counters in process memory. Counters do not survive a
// restart.
type Memory struct {
	mu   sync.Mutex
	dims map[string]models.Dimension
}

var _ billing.DimensionStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{dims: make(map[string]models.Dimension)}
}

func (m *Memory) EnsureDimensions(_ context.Context, names []string, purge bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if purge {
		m.dims = make(map[string]models.Dimension)
	}
	for _, name := range names {
		if _, ok := m.dims[name]; ok {
			continue
		}
		m.dims[name] = models.Dimension{Name: name, LastFlushedAt: at.Unix()}
	}
	return nil
}

func (m *Memory) ListDimensions(_ context.Context) ([]models.Dimension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Dimension, 0, len(m.dims))
	for _, d := range m.dims {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Increment(_ context.Context, name string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dims[name]
	if !ok {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	d.Quantity += delta
	m.dims[name] = d
	return nil
}

func (m *Memory) ResetAfterFlush(_ context.Context, name string, flushed int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dims[name]
	if !ok {
		return fmt.Errorf("%w: %q", billing.ErrUnknownDimension, name)
	}
	d.Quantity -= flushed
	if d.Quantity < 0 {
		d.Quantity = 0
	}
	d.LastFlushedAt = at.Unix()
	m.dims[name] = d
	return nil
}

func (m *Memory) MaxLastFlushedAt(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max int64
	for _, d := range m.dims {
		if d.LastFlushedAt > max {
			max = d.LastFlushedAt
		}
	}
	return max, nil
}

func (m *Memory) Close() error {
	return nil
}
