package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"osian-ranking-service/internal/badges"
	"osian-ranking-service/internal/config"
	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/infra/memory"
	pgstore "osian-ranking-service/internal/infra/postgres"
	rediscache "osian-ranking-service/internal/infra/redis"
	"osian-ranking-service/internal/ranking"
	transport "osian-ranking-service/internal/transport/http"
)

// attemptStore is everything the service, badge rules, and HTTP surface
// need from the attempt backend.
type attemptStore interface {
	ranking.AttemptSource
	badges.AttemptStats
	transport.AttemptRecorder
	Subjects(ctx context.Context) ([]string, error)
}

type badgeStore interface {
	badges.AwardStore
	ranking.AwardReader
}

// backends bundles the storage side picked at startup: postgres when a
// URL is configured, in-memory otherwise.
type backends struct {
	attempts  attemptStore
	board     ranking.LeaderboardStore
	awards    badgeStore
	directory ranking.SubjectDirectory
	cache     ranking.PageCache
	close     func()
}

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the ranking server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func buildBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	pageTTL := config.TTLDuration(cfg.Leaderboard.PageTTL, time.Minute)

	var cache ranking.PageCache = memory.NewPageCache(pageTTL)
	var closeRedis func()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = rediscache.NewPageCache(client, pageTTL)
		closeRedis = func() { client.Close() }
	}

	if cfg.Postgres.URL == "" {
		return &backends{
			attempts:  memory.NewAttemptStore(),
			board:     memory.NewLeaderboardStore(),
			awards:    memory.NewBadgeStore(),
			directory: memory.NewStaticDirectory(sampleSubjects()),
			cache:     cache,
			close: func() {
				if closeRedis != nil {
					closeRedis()
				}
			},
		}, nil
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		if closeRedis != nil {
			closeRedis()
		}
		return nil, err
	}
	db := openBunDB(cfg.Postgres.URL)

	return &backends{
		attempts:  pgstore.NewAttemptStore(pool),
		board:     pgstore.NewLeaderboardStore(db),
		awards:    pgstore.NewBadgeStore(db),
		directory: pgstore.NewDirectory(pool),
		cache:     cache,
		close: func() {
			db.Close()
			pool.Close()
			if closeRedis != nil {
				closeRedis()
			}
		},
	}, nil
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	be, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	svc := ranking.NewService(be.attempts, be.board, be.cache, be.directory, be.awards)
	evaluator := badges.NewEvaluator(be.attempts, be.board, be.awards)
	svc.SetBadgeEvaluator(evaluator)

	sweep := config.TTLDuration(cfg.Leaderboard.SweepInterval, 30*time.Second)
	push := config.TTLDuration(cfg.Leaderboard.PushInterval, 15*time.Second)
	sched := ranking.NewScheduler(svc, sweep)
	hub := ranking.NewHub(svc, push)
	svc.SetNotifier(hub)

	workers := cfg.Leaderboard.Workers
	if workers <= 0 {
		workers = 2
	}
	svc.StartWorkers(workers)
	defer svc.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go sched.Run(runCtx)
	go hub.Run(runCtx)

	ranking.InitMetrics()
	transport.InitMetrics()

	handler := transport.NewHandler(svc, evaluator, be.attempts, sched)
	wsHandler := transport.NewWSHandler(hub, sched)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/leaderboard", wsHandler.ServeWS)
	handler.Register(mux)

	limiter := transport.NewRateLimiter(20, 40)
	go limiter.Cleanup(runCtx)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.MonitorMiddleware(limiter.Middleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting ranking service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleSubjects seeds the in-memory directory; the postgres directory
// replaces this in production.
func sampleSubjects() map[string]domain.SubjectProfile {
	return map[string]domain.SubjectProfile{
		"subject-1": {
			SubjectID:   "subject-1",
			DisplayName: "Ada",
			College:     "Engineering",
			Cohort:      "2026A",
		},
		"subject-2": {
			SubjectID:   "subject-2",
			DisplayName: "Grace",
			College:     "Science",
			Cohort:      "2026A",
		},
	}
}
