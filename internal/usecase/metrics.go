package usecase

import "context"

// MetricsSummary represents aggregated challenge insights.
type MetricsSummary struct {
	TotalChallenges           int64   `json:"total_challenges"`
	VerifiedChallenges        int64   `json:"verified_challenges"`
	SuccessfulChallenges      int64   `json:"successful_challenges"`
	SuccessRate               float64 `json:"success_rate"`
	AverageFramesPerChallenge float64 `json:"average_frames_per_challenge"`
}

// GetMetricsSummary aggregates challenge metrics from persisted records.
func (uc *ChallengeUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalChallenges:      aggregation.TotalCount,
		VerifiedChallenges:   aggregation.VerifiedCount,
		SuccessfulChallenges: aggregation.SuccessCount,
	}

	if aggregation.VerifiedCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.VerifiedCount)
	}
	if aggregation.TotalCount > 0 {
		summary.AverageFramesPerChallenge = float64(aggregation.FrameCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
