package cli

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"osian-ranking-service/internal/badges"
	"osian-ranking-service/internal/config"
	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/ranking"
)

// NewRecalcCmd rebuilds the global leaderboards and re-evaluates badges
// for every known subject. Safe to run repeatedly.
func NewRecalcCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc",
		Short: "Rebuild leaderboards and re-evaluate badges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runRecalc(cmd.Context(), cfg)
		},
	}
}

func runRecalc(ctx context.Context, cfg config.Config) error {
	be, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	svc := ranking.NewService(be.attempts, be.board, be.cache, be.directory, be.awards)
	evaluator := badges.NewEvaluator(be.attempts, be.board, be.awards)

	if err := be.awards.EnsureCatalog(ctx, badges.Catalog()); err != nil {
		return err
	}

	for _, period := range []domain.Period{domain.PeriodAll, domain.Period30d, domain.Period7d} {
		key := domain.ScopeKey{Scope: domain.ScopeGlobal, Period: period}
		if err := svc.Rebuild(ctx, key, "recalc"); err != nil {
			return err
		}
		log.Printf("rebuilt %s", key)
	}

	subjects, err := be.attempts.Subjects(ctx)
	if err != nil {
		return err
	}
	for _, id := range subjects {
		if err := evaluator.Evaluate(ctx, id); err != nil {
			log.Printf("badge evaluation for %s failed: %v", id, err)
		}
	}
	log.Printf("recalc done: %d subjects evaluated", len(subjects))
	return nil
}
