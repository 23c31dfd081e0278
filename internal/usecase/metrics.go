package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	MatchedRequests   int64   `json:"matched_requests"`
	MatchRate         float64 `json:"match_rate"`
	AverageConfidence float64 `json:"average_confidence"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		MatchedRequests:   aggregation.MatchCount,
		AverageConfidence: aggregation.AverageConfidence,
		AverageDurationMs: aggregation.AverageDurationMs,
	}

	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
