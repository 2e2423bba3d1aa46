// Package sanitize turns internal metering entities into plain, JSON-safe
// structures and back.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/crosslogic/metering-agent/pkg/models"
	"github.com/shopspring/decimal"
)

// DatetimeLayout is ISO-8601 local time without an offset.
const DatetimeLayout = "2006-01-02T15:04:05"

// Dimension is the exported view of a models.Dimension.
type Dimension struct {
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
	Datetime  string `json:"datetime"`
}

// State is the exported view of the health state. Value reports whether any
// details are present.
type State struct {
	Value   bool     `json:"value"`
	Details []string `json:"details"`
	Type    string   `json:"type"`
}

// FromDimension renders d with its timestamp formatted in loc. A nil loc
// means time.Local.
func FromDimension(d models.Dimension, loc *time.Location) Dimension {
	if loc == nil {
		loc = time.Local
	}
	return Dimension{
		Name:      d.Name,
		Quantity:  d.Quantity,
		Timestamp: d.LastFlushedAt,
		Datetime:  d.FlushedAt().In(loc).Format(DatetimeLayout),
	}
}

// Model converts the view back into a models.Dimension.
func (d Dimension) Model() models.Dimension {
	return models.Dimension{
		Name:          d.Name,
		Quantity:      d.Quantity,
		LastFlushedAt: d.Timestamp,
	}
}

// Dimensions renders a slice of dimensions sorted by name.
func Dimensions(dims []models.Dimension, loc *time.Location) []Dimension {
	out := make([]Dimension, 0, len(dims))
	for _, d := range dims {
		out = append(out, FromDimension(d, loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromState builds the state view from a level and an unordered detail set.
// Details are copied and sorted so the output is stable.
func FromState(level string, details map[string]struct{}) State {
	list := make([]string, 0, len(details))
	for d := range details {
		list = append(list, d)
	}
	sort.Strings(list)
	return State{
		Value:   len(list) > 0,
		Details: list,
		Type:    level,
	}
}

// DetailSet returns the details as a set.
func (s State) DetailSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Details))
	for _, d := range s.Details {
		set[d] = struct{}{}
	}
	return set
}

// Quantity normalizes the numeric representations that storage backends hand
// back (decimal strings, json.Number, floats, sized ints) into an int64.
// Fractional values are rejected rather than truncated.
func Quantity(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("quantity %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		return Quantity(decimal.NewFromFloat(n))
	case json.Number:
		return Quantity(string(n))
	case []byte:
		return Quantity(string(n))
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("parse quantity %q: %w", n, err)
		}
		return Quantity(d)
	case decimal.Decimal:
		if !n.Equal(n.Truncate(0)) {
			return 0, fmt.Errorf("quantity %s is not integral", n.String())
		}
		if n.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || n.LessThan(decimal.NewFromInt(math.MinInt64)) {
			return 0, fmt.Errorf("quantity %s overflows int64", n.String())
		}
		return n.IntPart(), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported quantity type %T", v)
	}
}

// Plain round-trips v through JSON into maps, slices and json.Number values,
// the shape an untyped presentation layer consumes.
func Plain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return out, nil
}
