package ranking

import (
	"sort"
	"time"

	"osian-ranking-service/internal/domain"
)

// AttemptFilter narrows the attempt set a rebuild aggregates over. A zero
// Since means no time bound; empty QuizID means all quizzes; a nil SubjectIDs
// slice means no subject pre-filter (batch scope supplies cohort members here).
type AttemptFilter struct {
	QuizID     string
	Since      time.Time
	SubjectIDs []string
}

// Aggregate groups completed attempts by subject and computes each subject's
// summary. Attempts with any other status are ignored regardless of what the
// source returned. Subjects with zero qualifying attempts are simply absent.
func Aggregate(attempts []domain.AttemptRecord) []domain.SubjectSummary {
	type acc struct {
		count    int
		scoreSum float64
		accSum   float64
	}
	bySubject := make(map[string]*acc)
	order := make([]string, 0)

	for _, a := range attempts {
		if a.Status != domain.AttemptCompleted {
			continue
		}
		pct := a.Percentage()
		agg, ok := bySubject[a.SubjectID]
		if !ok {
			agg = &acc{}
			bySubject[a.SubjectID] = agg
			order = append(order, a.SubjectID)
		}
		agg.count++
		agg.scoreSum += pct
		// Accuracy currently mirrors the score percentage; kept as a separate
		// accumulator so the two can diverge without a schema change.
		agg.accSum += pct
	}

	summaries := make([]domain.SubjectSummary, 0, len(bySubject))
	for _, subjectID := range order {
		agg := bySubject[subjectID]
		avg := agg.scoreSum / float64(agg.count)
		accuracy := agg.accSum / float64(agg.count)
		summaries = append(summaries, domain.SubjectSummary{
			SubjectID:      subjectID,
			Attempts:       agg.count,
			AvgScorePct:    round4(avg),
			AccuracyPct:    round4(accuracy),
			CompositeScore: CompositeScore(avg, accuracy, agg.count),
		})
	}

	// Composite descending, subject id ascending as the deterministic tie-break.
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CompositeScore != summaries[j].CompositeScore {
			return summaries[i].CompositeScore > summaries[j].CompositeScore
		}
		return summaries[i].SubjectID < summaries[j].SubjectID
	})
	return summaries
}
