package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"osian-ranking-service/internal/domain"
)

// Directory resolves subject display info and cohort membership from the
// subjects table maintained by the identity collaborator.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) Profiles(ctx context.Context, subjectIDs []string) (map[string]domain.SubjectProfile, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, display_name, avatar_url, college, cohort
		FROM subjects WHERE id = ANY($1)`, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	profiles := make(map[string]domain.SubjectProfile, len(subjectIDs))
	for rows.Next() {
		var p domain.SubjectProfile
		if err := rows.Scan(&p.SubjectID, &p.DisplayName, &p.AvatarURL, &p.College, &p.Cohort); err != nil {
			return nil, err
		}
		profiles[p.SubjectID] = p
	}
	return profiles, rows.Err()
}

func (d *Directory) CohortMembers(ctx context.Context, cohort string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM subjects WHERE cohort = $1 ORDER BY id`, cohort)
	if err != nil {
		return nil, fmt.Errorf("load cohort members: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}
