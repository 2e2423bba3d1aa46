package models

import (
	"fmt"
	"time"
)

// Dimension is a billable unit and the usage accumulated for it since the
// last successful flush.
type Dimension struct {
	Name          string
	Quantity      int64
	LastFlushedAt int64 // unix seconds
}

// FlushedAt returns LastFlushedAt as a time.
func (d Dimension) FlushedAt() time.Time {
	return time.Unix(d.LastFlushedAt, 0)
}

func (d Dimension) String() string {
	return fmt.Sprintf("Dimension: Name: [%s], Quantity: [%d], Timestamp: [%d]", d.Name, d.Quantity, d.LastFlushedAt)
}
