package scoring

import (
	"fmt"
	"time"
)

// Threshold awards Points once a signal strictly exceeds Above.
type Threshold struct {
	Above  int64
	Points int
}

// Table lists the cumulative thresholds applied to each signal.
type Table struct {
	AccountAgeDays    []Threshold
	Followers         []Threshold
	RepositoryAgeDays []Threshold
	Stars             []Threshold
	Forks             []Threshold
}

// DefaultTable is the threshold table used by arbiters. MaxRawScore must be
// kept equal to its total.
var DefaultTable = Table{
	AccountAgeDays:    []Threshold{{365, 1}, {1825, 2}, {3650, 4}},
	Followers:         []Threshold{{50, 1}, {250, 2}, {1000, 4}},
	RepositoryAgeDays: []Threshold{{90, 1}, {365, 2}, {1825, 4}},
	Stars:             []Threshold{{50, 1}, {250, 2}, {1000, 4}},
	Forks:             []Threshold{{10, 1}, {50, 2}, {250, 4}},
}

// MaxRawScore is the highest raw score DefaultTable can award.
const MaxRawScore = 35

// Total returns the sum of every threshold's points.
func (t Table) Total() int {
	total := 0
	for _, group := range t.groups() {
		for _, th := range group {
			total += th.Points
		}
	}
	return total
}

func (t Table) groups() [][]Threshold {
	return [][]Threshold{t.AccountAgeDays, t.Followers, t.RepositoryAgeDays, t.Stars, t.Forks}
}

// Params controls how the scorer turns raw signals into a verdict.
type Params struct {
	Table Table
	// MaxRaw rescales raw scores to 0..100.
	MaxRaw int
	// MinScore is the lowest score Evaluate accepts.
	MinScore int
	// MaxCompletionAge rejects completions older than this. Zero disables
	// the check.
	MaxCompletionAge time.Duration
}

// DefaultParams returns the arbiter defaults: the default table, a passing
// score of 50 and completions no older than 30 days.
func DefaultParams() Params {
	return Params{
		Table:            DefaultTable,
		MaxRaw:           MaxRawScore,
		MinScore:         50,
		MaxCompletionAge: 30 * 24 * time.Hour,
	}
}

// Validate ensures the parameters are internally consistent.
func (p Params) Validate() error {
	if p.MaxRaw <= 0 {
		return fmt.Errorf("scoring: max raw score must be positive")
	}
	if total := p.Table.Total(); total != p.MaxRaw {
		return fmt.Errorf("scoring: threshold table totals %d but max raw score is %d", total, p.MaxRaw)
	}
	if p.MinScore < 0 || p.MinScore > 100 {
		return fmt.Errorf("scoring: min score %d outside 0..100", p.MinScore)
	}
	if p.MaxCompletionAge < 0 {
		return fmt.Errorf("scoring: max completion age must not be negative")
	}
	return nil
}
