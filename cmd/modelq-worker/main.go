// modelq-worker polls the job queue and executes claimed jobs until it is
// drained (SIGTERM: finish in-flight jobs, then exit) or killed (second
// signal: abandon leases, they redeliver after expiry).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/modelq/internal/config"
	"github.com/SirClappington/modelq/internal/queue"
	"github.com/SirClappington/modelq/internal/store"
	"github.com/SirClappington/modelq/internal/worker"
)

func main() {
	cfg := config.Load()
	log, _ := zap.NewProduction()
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	q := queue.New(rdb, cfg.RunnerID, cfg.LeaseTTL, log)
	q.StartReaper(ctx, cfg.LeaseTTL/2)

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}

	workerID := os.Getenv("MODELQ_WORKER_ID")
	if workerID == "" {
		workerID = uuid.NewString()
	}

	w := worker.New(worker.Config{
		ID:          workerID,
		Slots:       cfg.Slots,
		PollWait:    cfg.PollWait,
		LeaseTTL:    cfg.LeaseTTL,
		MaxAttempts: cfg.MaxAttempts,
		JobTimeout:  cfg.JobTimeout,
		WorkDir:     cfg.WorkDir,
	}, q, st, worker.ExecHook{}, log)

	rtr := chi.NewRouter()
	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rtr.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, rtr); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("drain requested, finishing in-flight jobs")
		w.Drain()
		<-sig
		log.Info("hard stop requested, abandoning leases")
		cancel()
	}()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatal("work dir create failed", zap.Error(err))
	}

	log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.String("runner", cfg.RunnerID),
		zap.Int("slots", cfg.Slots))
	_ = w.Run(ctx)
	log.Info("worker exited", zap.String("worker_id", workerID))
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store.NewPG(db), nil
	}
	return store.NewFS(cfg.StoreDir)
}
