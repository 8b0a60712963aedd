package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/ranking"
)

// AttemptStore reads and records attempt rows in Postgres.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

func (s *AttemptStore) Record(ctx context.Context, att domain.AttemptRecord) (domain.AttemptRecord, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (id, subject_id, quiz_id, score, total_questions, status, passed, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET score = EXCLUDED.score, total_questions = EXCLUDED.total_questions,
		    status = EXCLUDED.status, passed = EXCLUDED.passed, completed_at = EXCLUDED.completed_at`,
		att.ID, att.SubjectID, att.QuizID, att.Score, att.TotalQuestions, string(att.Status), att.Passed, att.CompletedAt)
	if err != nil {
		return domain.AttemptRecord{}, fmt.Errorf("record attempt: %w", err)
	}
	return att, nil
}

func (s *AttemptStore) Release(ctx context.Context, ids []string) ([]domain.AttemptRecord, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE attempts SET status = 'completed'
		WHERE id = ANY($1) AND status = 'pending'
		RETURNING id, subject_id, quiz_id, score, total_questions, status, passed, completed_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("release attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *AttemptStore) Attempts(ctx context.Context, f ranking.AttemptFilter) ([]domain.AttemptRecord, error) {
	query := `
		SELECT id, subject_id, quiz_id, score, total_questions, status, passed, completed_at
		FROM attempts
		WHERE status = 'completed'`
	args := make([]interface{}, 0, 3)
	if f.QuizID != "" {
		args = append(args, f.QuizID)
		query += fmt.Sprintf(" AND quiz_id = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND completed_at >= $%d", len(args))
	}
	if f.SubjectIDs != nil {
		args = append(args, f.SubjectIDs)
		query += fmt.Sprintf(" AND subject_id = ANY($%d)", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *AttemptStore) RecentPercentages(ctx context.Context, subjectIDs []string, max int) (map[string][]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id, score, total_questions
		FROM attempts
		WHERE status = 'completed' AND subject_id = ANY($1)
		ORDER BY completed_at DESC`, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("recent percentages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]int, len(subjectIDs))
	for rows.Next() {
		var subjectID string
		var score, total int
		if err := rows.Scan(&subjectID, &score, &total); err != nil {
			return nil, err
		}
		if len(out[subjectID]) >= max {
			continue
		}
		pct := 0.0
		if total > 0 {
			pct = float64(score) / float64(total) * 100
		}
		out[subjectID] = append(out[subjectID], int(math.Round(pct)))
	}
	return out, rows.Err()
}

func (s *AttemptStore) PassedCount(ctx context.Context, subjectID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM attempts
		WHERE subject_id = $1 AND status = 'completed' AND passed`, subjectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("passed count: %w", err)
	}
	return count, nil
}

func (s *AttemptStore) HasCompletedBetween(ctx context.Context, subjectID string, from, to time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attempts
			WHERE subject_id = $1 AND status = 'completed'
			  AND completed_at >= $2 AND completed_at < $3
		)`, subjectID, from, to).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("streak day lookup: %w", err)
	}
	return exists, nil
}

func (s *AttemptStore) Subjects(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT subject_id FROM attempts ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	subjects := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		subjects = append(subjects, id)
	}
	return subjects, rows.Err()
}

type attemptRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanAttempts(rows attemptRows) ([]domain.AttemptRecord, error) {
	attempts := make([]domain.AttemptRecord, 0)
	for rows.Next() {
		var a domain.AttemptRecord
		var status string
		var completedAt *time.Time
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.QuizID, &a.Score, &a.TotalQuestions, &status, &a.Passed, &completedAt); err != nil {
			return nil, err
		}
		a.Status = domain.AttemptStatus(status)
		if completedAt != nil {
			a.CompletedAt = *completedAt
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
