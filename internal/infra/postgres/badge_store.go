package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"osian-ranking-service/internal/domain"
)

// BadgeStore persists the badge catalog and awarded badges via bun. Award
// races resolve on the (subject_id, badge_code) primary key: the second
// writer's insert is a silent no-op.
type BadgeStore struct {
	db *bun.DB
}

func NewBadgeStore(db *bun.DB) *BadgeStore {
	return &BadgeStore{db: db}
}

type badgeRow struct {
	bun.BaseModel `bun:"table:badges"`

	Code        string `bun:"code,pk"`
	Name        string `bun:"name"`
	Description string `bun:"description"`
	Icon        string `bun:"icon"`
	Active      bool   `bun:"active"`
}

type awardedBadgeRow struct {
	bun.BaseModel `bun:"table:awarded_badges"`

	SubjectID string         `bun:"subject_id,pk"`
	BadgeCode string         `bun:"badge_code,pk"`
	EarnedAt  time.Time      `bun:"earned_at"`
	Meta      map[string]any `bun:"meta,type:jsonb"`
}

func (s *BadgeStore) EnsureCatalog(ctx context.Context, catalog []domain.Badge) error {
	if len(catalog) == 0 {
		return nil
	}
	rows := make([]badgeRow, 0, len(catalog))
	for _, b := range catalog {
		rows = append(rows, badgeRow{
			Code:        b.Code,
			Name:        b.Name,
			Description: b.Description,
			Icon:        b.Icon,
			Active:      b.Active,
		})
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (code) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("description = EXCLUDED.description").
		Set("icon = EXCLUDED.icon").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert badge catalog: %w", err)
	}
	return nil
}

func (s *BadgeStore) Award(ctx context.Context, award domain.AwardedBadge) error {
	row := awardedBadgeRow{
		SubjectID: award.SubjectID,
		BadgeCode: award.BadgeCode,
		EarnedAt:  award.EarnedAt,
		Meta:      award.Meta,
	}
	_, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (subject_id, badge_code) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("award badge %s: %w", award.BadgeCode, err)
	}
	return nil
}

func (s *BadgeStore) BySubject(ctx context.Context, subjectID string) ([]domain.AwardedBadge, error) {
	var rows []awardedBadgeRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("subject_id = ?", subjectID).
		OrderExpr("earned_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load awarded badges: %w", err)
	}
	awarded := make([]domain.AwardedBadge, 0, len(rows))
	for _, r := range rows {
		awarded = append(awarded, domain.AwardedBadge{
			SubjectID: r.SubjectID,
			BadgeCode: r.BadgeCode,
			EarnedAt:  r.EarnedAt,
			Meta:      r.Meta,
		})
	}
	return awarded, nil
}

func (s *BadgeStore) RefsBySubjects(ctx context.Context, subjectIDs []string) (map[string][]domain.BadgeRef, error) {
	if len(subjectIDs) == 0 {
		return map[string][]domain.BadgeRef{}, nil
	}
	var rows []struct {
		SubjectID string `bun:"subject_id"`
		Code      string `bun:"badge_code"`
		Name      string `bun:"name"`
		Icon      string `bun:"icon"`
	}
	err := s.db.NewSelect().
		TableExpr("awarded_badges AS ab").
		ColumnExpr("ab.subject_id, ab.badge_code, b.name, b.icon").
		Join("JOIN badges AS b ON b.code = ab.badge_code").
		Where("ab.subject_id IN (?)", bun.In(subjectIDs)).
		OrderExpr("ab.subject_id, ab.badge_code").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("load badge refs: %w", err)
	}
	refs := make(map[string][]domain.BadgeRef, len(subjectIDs))
	for _, r := range rows {
		refs[r.SubjectID] = append(refs[r.SubjectID], domain.BadgeRef{
			Code:    r.Code,
			Name:    r.Name,
			IconURL: r.Icon,
		})
	}
	return refs, nil
}
