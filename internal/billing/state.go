package billing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/metering-agent/pkg/sanitize"
)

// Level is the health of the metering integration.
type Level string

const (
	// LevelInit means startup validation failed. It is terminal.
	LevelInit Level = "init"
	// LevelNormal is the empty string for compatibility with consumers of
	// the status payload.
	LevelNormal  Level = ""
	LevelWarning Level = "warning"
	LevelStop    Level = "stop"
)

func (l Level) String() string {
	if l == LevelNormal {
		return "normal"
	}
	return string(l)
}

// Thresholds drive the time-based level transitions. Warning and stop are
// counted in flush intervals.
type Thresholds struct {
	Interval            time.Duration
	MaxIntervalsWarning int
	MaxIntervalsStop    int
}

// DefaultThresholds warns after one missed hourly flush and stops after two.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Interval:            time.Hour,
		MaxIntervalsWarning: 1,
		MaxIntervalsStop:    2,
	}
}

// Validate checks that the thresholds describe a usable state machine.
func (t Thresholds) Validate() error {
	if t.Interval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", t.Interval)
	}
	if t.MaxIntervalsWarning < 1 {
		return fmt.Errorf("warning threshold must be at least 1 interval, got %d", t.MaxIntervalsWarning)
	}
	if t.MaxIntervalsStop < t.MaxIntervalsWarning {
		return fmt.Errorf("stop threshold (%d) must not be below warning threshold (%d)", t.MaxIntervalsStop, t.MaxIntervalsWarning)
	}
	return nil
}

// Transition describes a level change caused by one state mutation.
type Transition struct {
	From Level
	To   Level
}

// Changed reports whether the level moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// StateSnapshot is a consistent copy of the health state.
type StateSnapshot struct {
	Level   Level
	Details map[string]struct{}
}

// View renders the snapshot for the status payload.
func (s StateSnapshot) View() sanitize.State {
	return sanitize.FromState(string(s.Level), s.Details)
}

// HealthState is the level plus the set of error details. All reads and
// writes go through one mutex so the level and details never disagree.
type HealthState struct {
	mu         sync.RWMutex
	level      Level
	details    map[string]struct{}
	thresholds Thresholds
}

// NewHealthState returns a state at the normal level with no details.
func NewHealthState(thresholds Thresholds) *HealthState {
	return &HealthState{
		level:      LevelNormal,
		details:    make(map[string]struct{}),
		thresholds: thresholds,
	}
}

// Level returns the current level.
func (s *HealthState) Level() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Snapshot returns a copy of the level and details.
func (s *HealthState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	details := make(map[string]struct{}, len(s.details))
	for d := range s.details {
		details[d] = struct{}{}
	}
	return StateSnapshot{Level: s.level, Details: details}
}

// Add records a detail without touching the level.
func (s *HealthState) Add(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[detail] = struct{}{}
}

// Fail pins the state to init and records why.
func (s *HealthState) Fail(detail string) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := Transition{From: s.level, To: LevelInit}
	s.level = LevelInit
	s.details[detail] = struct{}{}
	return tr
}

// DiscardDimension removes the details that belong to the named dimension.
// When nothing is left the level heals to normal right away, without waiting
// for the next time-based recompute.
func (s *HealthState) DiscardDimension(name string) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := Transition{From: s.level, To: s.level}
	tag := dimensionTag(name)
	for d := range s.details {
		if strings.Contains(d, tag) {
			delete(s.details, d)
		}
	}
	if len(s.details) == 0 && s.level != LevelInit {
		s.level = LevelNormal
	}
	tr.To = s.level
	return tr
}

// Recompute derives the level from the time since the most recent
// successful flush. It is a no-op once the state is init.
func (s *HealthState) Recompute(lastFlushed, now time.Time) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := Transition{From: s.level, To: s.level}
	if s.level == LevelInit {
		return tr
	}

	interval := s.thresholds.Interval
	elapsed := now.Sub(lastFlushed)
	switch {
	case elapsed >= time.Duration(s.thresholds.MaxIntervalsStop)*interval:
		s.level = LevelStop
	case elapsed >= time.Duration(s.thresholds.MaxIntervalsWarning)*interval:
		if s.level != LevelWarning {
			s.details[fmt.Sprintf(
				"Usage hasn't been sent for %d flush interval(s) of %s; warning threshold is %d, stop threshold is %d",
				int64(elapsed/interval), interval, s.thresholds.MaxIntervalsWarning, s.thresholds.MaxIntervalsStop,
			)] = struct{}{}
		}
		s.level = LevelWarning
	default:
		s.level = LevelNormal
		s.details = make(map[string]struct{})
	}
	tr.To = s.level
	return tr
}
