package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"osian-ranking-service/internal/domain"
)

// LeaderboardStore persists leaderboard entries in Postgres via bun. The
// primary key is the full (subject, scope, scope_ref, quiz_id, period) tuple;
// scope_ref/quiz_id use empty strings rather than NULLs so the key stays
// total. Concurrent rebuilds of the same key converge through plain upserts:
// both writers derive the same rows from the same attempt data, so
// last-writer-wins on updated_at is harmless.
type LeaderboardStore struct {
	db *bun.DB
}

func NewLeaderboardStore(db *bun.DB) *LeaderboardStore {
	return &LeaderboardStore{db: db}
}

type leaderboardRow struct {
	bun.BaseModel `bun:"table:leaderboard_entries"`

	SubjectID      string    `bun:"subject_id,pk"`
	Scope          string    `bun:"scope,pk"`
	ScopeRef       string    `bun:"scope_ref,pk"`
	QuizID         string    `bun:"quiz_id,pk"`
	Period         string    `bun:"period,pk"`
	AvgScorePct    float64   `bun:"avg_score"`
	AccuracyPct    float64   `bun:"accuracy"`
	Attempts       int       `bun:"attempts"`
	CompositeScore float64   `bun:"composite_score"`
	UpdatedAt      time.Time `bun:"updated_at"`
}

func toRow(e domain.LeaderboardEntry) leaderboardRow {
	return leaderboardRow{
		SubjectID:      e.SubjectID,
		Scope:          string(e.Scope),
		ScopeRef:       e.ScopeRef,
		QuizID:         e.QuizID,
		Period:         string(e.Period),
		AvgScorePct:    e.AvgScorePct,
		AccuracyPct:    e.AccuracyPct,
		Attempts:       e.Attempts,
		CompositeScore: e.CompositeScore,
		UpdatedAt:      e.UpdatedAt,
	}
}

func fromRow(r leaderboardRow) domain.LeaderboardEntry {
	return domain.LeaderboardEntry{
		SubjectID:      r.SubjectID,
		Scope:          domain.Scope(r.Scope),
		ScopeRef:       r.ScopeRef,
		QuizID:         r.QuizID,
		Period:         domain.Period(r.Period),
		AvgScorePct:    r.AvgScorePct,
		AccuracyPct:    r.AccuracyPct,
		Attempts:       r.Attempts,
		CompositeScore: r.CompositeScore,
		UpdatedAt:      r.UpdatedAt,
	}
}

// ReplaceEntries swaps in the full row set for a key: subjects that dropped
// out of the window are deleted, the rest upserted, all in one transaction so
// readers never see a half-replaced board.
func (s *LeaderboardStore) ReplaceEntries(ctx context.Context, key domain.ScopeKey, entries []domain.LeaderboardEntry) error {
	rows := make([]leaderboardRow, 0, len(entries))
	keep := make([]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, toRow(e))
		keep = append(keep, e.SubjectID)
	}

	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		del := tx.NewDelete().
			Model((*leaderboardRow)(nil)).
			Where("scope = ?", string(key.Scope)).
			Where("scope_ref = ?", key.ScopeRef).
			Where("quiz_id = ?", key.QuizID).
			Where("period = ?", string(key.Period))
		if len(keep) > 0 {
			del = del.Where("subject_id NOT IN (?)", bun.In(keep))
		}
		if _, err := del.Exec(ctx); err != nil {
			return fmt.Errorf("delete stale entries: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (subject_id, scope, scope_ref, quiz_id, period) DO UPDATE").
			Set("avg_score = EXCLUDED.avg_score").
			Set("accuracy = EXCLUDED.accuracy").
			Set("attempts = EXCLUDED.attempts").
			Set("composite_score = EXCLUDED.composite_score").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert entries: %w", err)
		}
		return nil
	})
}

func (s *LeaderboardStore) TopN(ctx context.Context, key domain.ScopeKey, limit int) ([]domain.LeaderboardEntry, error) {
	return s.query(ctx, key, limit)
}

func (s *LeaderboardStore) Ranking(ctx context.Context, key domain.ScopeKey) ([]domain.LeaderboardEntry, error) {
	return s.query(ctx, key, 0)
}

func (s *LeaderboardStore) query(ctx context.Context, key domain.ScopeKey, limit int) ([]domain.LeaderboardEntry, error) {
	var rows []leaderboardRow
	q := s.db.NewSelect().
		Model(&rows).
		Where("scope = ?", string(key.Scope)).
		Where("scope_ref = ?", key.ScopeRef).
		Where("quiz_id = ?", key.QuizID).
		Where("period = ?", string(key.Period)).
		OrderExpr("composite_score DESC, subject_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, fromRow(r))
	}
	return entries, nil
}

func (s *LeaderboardStore) Has(ctx context.Context, key domain.ScopeKey) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*leaderboardRow)(nil)).
		Where("scope = ?", string(key.Scope)).
		Where("scope_ref = ?", key.ScopeRef).
		Where("quiz_id = ?", key.QuizID).
		Where("period = ?", string(key.Period)).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check leaderboard: %w", err)
	}
	return exists, nil
}
