package verifier

import (
	"context"
	"math"
	"path/filepath"

	"go.uber.org/zap"
)

// Result is the reduced verification outcome for one uploaded image.
// Confidence is a percentage rounded to two decimals; it is non-zero only
// when Match is true, and MatchedImage is set only when Match is true.
type Result struct {
	Match        bool    `json:"match"`
	Confidence   float64 `json:"confidence"`
	MatchedImage string  `json:"matched_image"`
}

// CandidateOutcome records what happened for one reference candidate:
// either the model's outcome or the failure that prevented one.
type CandidateOutcome struct {
	Path    string
	Outcome *Outcome
	Err     error
}

// CompareAll verifies the query image against every candidate, in order,
// one call at a time. The batch always runs to completion: a failing
// candidate is logged, recorded in its outcome, and never aborts the rest.
func CompareAll(ctx context.Context, client Client, queryPath string, candidates []string, logger *zap.Logger) []CandidateOutcome {
	outcomes := make([]CandidateOutcome, 0, len(candidates))
	for _, candidate := range candidates {
		outcome, err := client.Verify(ctx, queryPath, candidate, DefaultModel)
		if err != nil {
			logger.Warn("candidate comparison failed",
				zap.String("candidate", filepath.Base(candidate)),
				zap.Error(err))
			outcomes = append(outcomes, CandidateOutcome{Path: candidate, Err: err})
			continue
		}
		outcomes = append(outcomes, CandidateOutcome{Path: candidate, Outcome: outcome})
	}
	return outcomes
}

// ReduceBestMatch selects the verified candidate with the strictly highest
// confidence, where confidence is 1 - distance. Equal confidences keep the
// candidate seen earlier. Failed and unverified candidates are skipped. With
// no qualifying candidate the zero-value Result reports no match.
func ReduceBestMatch(outcomes []CandidateOutcome) *Result {
	result := &Result{}
	highest := 0.0
	for _, c := range outcomes {
		if c.Err != nil || c.Outcome == nil || !c.Outcome.Verified {
			continue
		}
		confidence := 1.0 - c.Outcome.Distance
		if confidence > highest {
			highest = confidence
			result.Match = true
			result.Confidence = roundPercent(confidence)
			result.MatchedImage = filepath.Base(c.Path)
		}
	}
	return result
}

// roundPercent converts a 0..1 confidence into a percentage with two
// decimal places.
func roundPercent(confidence float64) float64 {
	return math.Round(confidence*10000) / 100
}
