package billing

import (
	"context"

	"github.com/crosslogic/metering-agent/pkg/sanitize"
	"go.uber.org/zap"
)

// Consumption lists the pending usage per dimension.
type Consumption struct {
	Dimensions []sanitize.Dimension `json:"dimensions"`
}

// Status is the read-only report served to the product and to operators.
type Status struct {
	Version     string         `json:"version"`
	Consumption Consumption    `json:"consumption"`
	State       sanitize.State `json:"state"`
}

// Status reports the current consumption and health. It never fails: when the
// store cannot be read, the last successfully read dimensions are used.
func (e *Engine) Status(ctx context.Context) Status {
	dims, err := e.store.ListDimensions(ctx)
	if err != nil {
		e.logger.Warn("reading dimensions for status, using last snapshot", zap.Error(err))
		dims = e.snapshot()
	} else {
		e.remember(dims)
	}

	return Status{
		Version:     e.cfg.Version,
		Consumption: Consumption{Dimensions: sanitize.Dimensions(dims, e.cfg.Location)},
		State:       e.state.Snapshot().View(),
	}
}
