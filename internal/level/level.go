// Package level maps cumulative points to progression levels.
package level

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Threshold is the cumulative point value at which Level is reached.
type Threshold struct {
	Points int64 `json:"points"`
	Level  int   `json:"level"`
}

// Evaluator holds thresholds in ascending order. It is immutable.
type Evaluator struct {
	thresholds []Threshold
}

// DefaultThresholds is the standard five-level ladder.
var DefaultThresholds = []Threshold{
	{Points: 0, Level: 1},
	{Points: 500, Level: 2},
	{Points: 1500, Level: 3},
	{Points: 3000, Level: 4},
	{Points: 5000, Level: 5},
}

// NewEvaluator validates that points and levels both strictly increase.
func NewEvaluator(thresholds []Threshold) (*Evaluator, error) {
	if len(thresholds) == 0 {
		return nil, errors.New("at least one threshold is required")
	}
	sorted := append([]Threshold(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Points < sorted[j].Points })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Points == sorted[i-1].Points {
			return nil, fmt.Errorf("duplicate threshold at %d points", sorted[i].Points)
		}
		if sorted[i].Level <= sorted[i-1].Level {
			return nil, fmt.Errorf("level %d at %d points does not increase", sorted[i].Level, sorted[i].Points)
		}
	}
	return &Evaluator{thresholds: sorted}, nil
}

// Default returns an evaluator over DefaultThresholds.
func Default() *Evaluator {
	e, _ := NewEvaluator(DefaultThresholds)
	return e
}

// LevelForPoints returns the highest level whose threshold is met. Balances
// below the lowest threshold map to the lowest level.
func (e *Evaluator) LevelForPoints(points int64) int {
	idx := sort.Search(len(e.thresholds), func(i int) bool {
		return e.thresholds[i].Points > points
	})
	if idx == 0 {
		return e.thresholds[0].Level
	}
	return e.thresholds[idx-1].Level
}

// CheckLevelUp returns the level reached by newBalance only when it is
// strictly greater than oldLevel. Several thresholds may be crossed at once.
func (e *Evaluator) CheckLevelUp(oldLevel int, newBalance int64) (int, bool) {
	lvl := e.LevelForPoints(newBalance)
	if lvl > oldLevel {
		return lvl, true
	}
	return 0, false
}

// Thresholds returns a copy of the ladder.
func (e *Evaluator) Thresholds() []Threshold {
	return append([]Threshold(nil), e.thresholds...)
}

// ParseThresholds reads the "points:level,points:level" form used in config.
func ParseThresholds(s string) ([]Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty threshold list")
	}
	var out []Threshold
	for _, pair := range strings.Split(s, ",") {
		pts, lvl, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("threshold %q: expected points:level", pair)
		}
		p, err := strconv.ParseInt(strings.TrimSpace(pts), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", pair, err)
		}
		l, err := strconv.Atoi(strings.TrimSpace(lvl))
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", pair, err)
		}
		out = append(out, Threshold{Points: p, Level: l})
	}
	return out, nil
}
