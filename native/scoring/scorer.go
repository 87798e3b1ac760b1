package scoring

import (
	"errors"
	"fmt"
	"math"
	"time"

	"bountyescrow/observability/metrics"
)

var (
	// ErrClaimantIsOwner rejects claims made by the repository owner.
	ErrClaimantIsOwner = errors.New("scoring: claimant owns the repository")
	// ErrCompletionTooOld rejects completions outside the allowed window.
	ErrCompletionTooOld = errors.New("scoring: completion too old")
	// ErrScoreTooLow is returned by Evaluate when the score misses the
	// configured minimum.
	ErrScoreTooLow = errors.New("scoring: score below minimum")
	// ErrInvalidSignal marks negative inputs.
	ErrInvalidSignal = errors.New("scoring: invalid signal")
)

// Signals carries the identity provider facts about a claimant and the
// repository the work landed in.
type Signals struct {
	AccountAgeDays    int64
	Followers         int64
	RepositoryAgeDays int64
	Stars             int64
	Forks             int64
	ClaimantIsOwner   bool
	// CompletionAge is the time elapsed since the work was completed, for
	// example since the pull request merged.
	CompletionAge time.Duration
}

// Result is the outcome of scoring a set of signals.
type Result struct {
	Raw   int
	Score int
}

// Scorer turns claimant signals into an advisory 0..100 confidence score.
// It never touches escrowed funds.
type Scorer struct {
	params  Params
	metrics *metrics.ScorerMetrics
}

// NewScorer returns a scorer using params.
func NewScorer(params Params) (*Scorer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{params: params, metrics: metrics.Scorer()}, nil
}

// Params returns the scorer configuration.
func (s *Scorer) Params() Params { return s.params }

// Score computes the score of sig. The owner and completion age checks
// short-circuit with an error instead of a score.
func (s *Scorer) Score(sig Signals) (Result, error) {
	if err := validate(sig); err != nil {
		return Result{}, err
	}
	if sig.ClaimantIsOwner {
		s.metrics.ObserveRejection("claimant_is_owner")
		return Result{}, ErrClaimantIsOwner
	}
	if limit := s.params.MaxCompletionAge; limit > 0 && sig.CompletionAge > limit {
		s.metrics.ObserveRejection("completion_too_old")
		return Result{}, fmt.Errorf("%w: %s exceeds %s", ErrCompletionTooOld, sig.CompletionAge, limit)
	}
	t := s.params.Table
	raw := award(t.AccountAgeDays, sig.AccountAgeDays) +
		award(t.Followers, sig.Followers) +
		award(t.RepositoryAgeDays, sig.RepositoryAgeDays) +
		award(t.Stars, sig.Stars) +
		award(t.Forks, sig.Forks)
	res := Result{Raw: raw, Score: rescale(raw, s.params.MaxRaw)}
	s.metrics.ObserveScore(res.Score)
	return res, nil
}

// Evaluate scores sig and rejects results below the configured minimum.
func (s *Scorer) Evaluate(sig Signals) (Result, error) {
	res, err := s.Score(sig)
	if err != nil {
		return res, err
	}
	if res.Score < s.params.MinScore {
		s.metrics.ObserveRejection("score_too_low")
		return res, fmt.Errorf("%w: %d < %d", ErrScoreTooLow, res.Score, s.params.MinScore)
	}
	return res, nil
}

func validate(sig Signals) error {
	switch {
	case sig.AccountAgeDays < 0:
		return fmt.Errorf("%w: account age", ErrInvalidSignal)
	case sig.Followers < 0:
		return fmt.Errorf("%w: followers", ErrInvalidSignal)
	case sig.RepositoryAgeDays < 0:
		return fmt.Errorf("%w: repository age", ErrInvalidSignal)
	case sig.Stars < 0:
		return fmt.Errorf("%w: stars", ErrInvalidSignal)
	case sig.Forks < 0:
		return fmt.Errorf("%w: forks", ErrInvalidSignal)
	case sig.CompletionAge < 0:
		return fmt.Errorf("%w: completion age", ErrInvalidSignal)
	}
	return nil
}

func award(thresholds []Threshold, value int64) int {
	points := 0
	for _, th := range thresholds {
		if value > th.Above {
			points += th.Points
		}
	}
	return points
}

func rescale(raw, maxRaw int) int {
	score := int(math.Round(float64(raw) / float64(maxRaw) * 100))
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
