package audit

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RecentWindow is the look-back for actor risk and recent report counts.
const RecentWindow = 30 * 24 * time.Hour

// maxFactors caps the risk factors listed for an actor.
const maxFactors = 5

// History lists an actor's persisted assessments.
type History interface {
	ListAssessmentsByActor(ctx context.Context, actorID string, since time.Time) ([]*domain.RiskAssessment, error)
}

// ActorRisk summarises the actor's assessments over RecentWindow. An actor
// without history is LOW with score 0.
func ActorRisk(ctx context.Context, h History, actorID string, now time.Time) (*domain.ActorRisk, error) {
	list, err := h.ListAssessmentsByActor(ctx, actorID, now.Add(-RecentWindow))
	if err != nil {
		return nil, err
	}

	risk := &domain.ActorRisk{
		ActorID:   actorID,
		RiskLevel: domain.RiskLow,
		Factors:   []string{},
	}
	if len(list) == 0 {
		return risk, nil
	}

	var sum float64
	counts := make(map[string]int)
	for _, a := range list {
		sum += a.Score
		for _, id := range a.TriggeredPatterns() {
			counts[id]++
		}
		if a.EvaluatedAt.After(risk.LastUpdated) {
			risk.LastUpdated = a.EvaluatedAt
		}
	}

	risk.Assessments = len(list)
	risk.RiskScore = sum / float64(len(list))
	risk.RiskLevel = domain.LevelFor(risk.RiskScore)
	risk.Factors = topFactors(counts, maxFactors)
	return risk, nil
}

// ActorStats computes fraud statistics over all of the actor's persisted
// assessments.
func ActorStats(ctx context.Context, h History, actorID string, now time.Time) (*domain.ActorStats, error) {
	list, err := h.ListAssessmentsByActor(ctx, actorID, time.Time{})
	if err != nil {
		return nil, err
	}

	stats := &domain.ActorStats{ActorID: actorID, TotalReports: len(list)}
	if len(list) == 0 {
		return stats, nil
	}

	cutoff := now.Add(-RecentWindow)
	var sum float64
	for _, a := range list {
		sum += a.Score
		if a.Decision.Flagged() {
			stats.Flagged++
		}
		if a.ConfirmedFraud != nil && *a.ConfirmedFraud {
			stats.ConfirmedFraud++
		}
		if !a.EvaluatedAt.Before(cutoff) {
			stats.RecentReports++
		}
	}

	stats.AverageScore = sum / float64(len(list))
	stats.FraudRate = float64(stats.ConfirmedFraud) / float64(len(list))
	return stats, nil
}

// topFactors returns the most frequent pattern ids, ties broken by id.
func topFactors(counts map[string]int, n int) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
