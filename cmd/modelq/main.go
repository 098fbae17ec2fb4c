// modelq distributes batches of long-running jobs across a pool of
// workers. A runner id pairs one queue with one artifact store; the
// submitter stages inputs and enqueues descriptors, workers claim and run
// them, and results are collected back from the store.
//
// Commands:
//
//	modelq create              provision queue + store schema
//	modelq queue <files...>    stage inputs, enqueue one job per file
//	modelq scale -n N          converge worker count to N
//	modelq download <dest>     fetch results (outputs, logs, markers)
//	modelq sweep               collect inputs orphaned by failed submits
//	modelq drain               let workers finish, then stop them
//	modelq destroy             terminate workers, tear down the queue
//
// Exit codes: 0 success, 1 total failure, 2 partial success.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/modelq/internal/config"
	"github.com/SirClappington/modelq/internal/domain"
	"github.com/SirClappington/modelq/internal/pool"
	"github.com/SirClappington/modelq/internal/queue"
	"github.com/SirClappington/modelq/internal/retrieve"
	"github.com/SirClappington/modelq/internal/store"
	"github.com/SirClappington/modelq/internal/submit"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	log, _ := zap.NewProduction()
	defer log.Sync()
	ctx := context.Background()

	var code int
	switch os.Args[1] {
	case "create":
		code = runCreate(ctx, cfg, log)
	case "queue":
		code = runQueue(ctx, cfg, log, os.Args[2:])
	case "scale":
		code = runScale(ctx, cfg, log, os.Args[2:])
	case "download":
		code = runDownload(ctx, cfg, log, os.Args[2:])
	case "sweep":
		code = runSweep(ctx, cfg, log)
	case "drain":
		code = runDrain(ctx, cfg, log)
	case "destroy":
		code = runDestroy(ctx, cfg, log, os.Args[2:])
	default:
		usage()
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: modelq <command> [options]

commands:
  create              provision the queue and artifact store schema
  queue <files...>    stage input files and enqueue one job per file
  scale -n N          converge the worker pool to N workers
  download <dest>     download job results into dest
  sweep               delete staged inputs of jobs that never ran
  drain               drain all workers
  destroy             terminate all workers and tear down the queue`)
}

func runCreate(ctx context.Context, cfg config.Config, log *zap.Logger) int {
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable", zap.Error(err))
		return 1
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Error("postgres open failed", zap.Error(err))
			return 1
		}
		defer db.Close()
		if err := goose.SetDialect("postgres"); err != nil {
			log.Error("goose dialect", zap.Error(err))
			return 1
		}
		if err := goose.Up(db, cfg.MigrationsDir); err != nil {
			log.Error("migrations failed", zap.Error(err))
			return 1
		}
	} else {
		if _, err := store.NewFS(cfg.StoreDir); err != nil {
			log.Error("store dir create failed", zap.Error(err))
			return 1
		}
	}

	log.Info("runner ready", zap.String("runner", cfg.RunnerID))
	return 0
}

func runQueue(ctx context.Context, cfg config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	command := fs.String("command", cfg.Command, "command template, {} expands to the input file name")
	patterns := fs.String("store", "", "comma-separated regexps selecting output files to keep")
	_ = fs.Parse(args)
	files := fs.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: modelq queue [-command CMD] [-store PATTERNS] <files...>")
		return 2
	}

	st, q, err := buildClients(ctx, cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 1
	}

	sub := submit.New(st, q, *command, log)
	if *patterns != "" {
		sub.StorePatterns = strings.Split(*patterns, ",")
	}

	ids, err := sub.Submit(ctx, files)
	for _, id := range ids {
		fmt.Println(id)
	}
	if err != nil {
		for _, e := range multierr.Errors(err) {
			log.Error("submit failed", zap.Error(e))
		}
		if len(ids) > 0 {
			return 2 // some jobs queued, some not
		}
		return 1
	}
	return 0
}

func runScale(ctx context.Context, cfg config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("scale", flag.ExitOnError)
	n := fs.Int("n", 1, "target worker count")
	_ = fs.Parse(args)

	ctrl, err := buildController(cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 1
	}

	report := ctrl.Scale(ctx, *n)
	for _, id := range report.Launched {
		fmt.Println("launched", id)
	}
	for _, id := range report.Drained {
		fmt.Println("draining", id)
	}
	if report.Failures != nil {
		for _, e := range multierr.Errors(report.Failures) {
			log.Error("scale failure", zap.Error(e))
		}
		if len(report.Launched)+len(report.Drained) > 0 {
			return 2
		}
		return 1
	}
	return 0
}

func runDownload(ctx context.Context, cfg config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "overwrite existing local files")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: modelq download [-overwrite] <dest>")
		return 2
	}
	dest := fs.Arg(0)

	st, _, err := buildClients(ctx, cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 1
	}
	rtr := retrieve.New(st, log)

	keys, err := rtr.List(ctx, "jobs/")
	if err != nil {
		log.Error("list failed", zap.Error(err))
		return 1
	}

	fetched, failed := 0, 0
	for _, key := range keys {
		if strings.Contains(key, "/in/") {
			continue // inputs are not results
		}
		local := dest + "/" + key
		if !*overwrite {
			if _, err := os.Stat(local); err == nil {
				continue
			}
		}
		if err := rtr.Download(ctx, key, local); err != nil {
			log.Error("download failed", zap.String("key", key), zap.Error(err))
			failed++
			continue
		}
		fetched++
	}

	log.Info("download complete", zap.Int("fetched", fetched), zap.Int("failed", failed))
	switch {
	case failed == 0:
		return 0
	case fetched > 0:
		return 2
	default:
		return 1
	}
}

func runSweep(ctx context.Context, cfg config.Config, log *zap.Logger) int {
	st, q, err := buildClients(ctx, cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 1
	}

	bodies, err := q.LiveBodies(ctx)
	if err != nil {
		log.Error("queue scan failed", zap.Error(err))
		return 1
	}
	live := make(map[string]struct{}, len(bodies))
	for _, body := range bodies {
		desc, err := domain.DecodeDescriptor(body)
		if err != nil {
			continue
		}
		live[desc.JobID] = struct{}{}
	}

	sub := submit.New(st, q, cfg.Command, log)
	swept, err := sub.SweepOrphans(ctx, live)
	if err != nil {
		log.Error("sweep failed", zap.Error(err))
		if swept > 0 {
			return 2
		}
		return 1
	}
	log.Info("sweep complete", zap.Int("deleted", swept))
	return 0
}

func runDrain(ctx context.Context, cfg config.Config, log *zap.Logger) int {
	ctrl, err := buildController(cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 1
	}
	if err := ctrl.DrainAll(ctx); err != nil {
		log.Error("drain failed", zap.Error(err))
		return 1
	}
	return 0
}

func runDestroy(ctx context.Context, cfg config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	purgeStore := fs.Bool("purge-store", false, "also delete all artifacts of this runner")
	_ = fs.Parse(args)

	ctrl, err := buildController(cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		return 1
	}
	if err := ctrl.TerminateAll(ctx); err != nil {
		log.Warn("terminate reported errors", zap.Error(err))
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	q := queue.New(rdb, cfg.RunnerID, cfg.LeaseTTL, log)
	if err := q.Purge(ctx); err != nil {
		log.Error("queue teardown failed", zap.Error(err))
		return 1
	}

	if *purgeStore {
		st, _, err := buildClients(ctx, cfg, log)
		if err != nil {
			log.Error("setup failed", zap.Error(err))
			return 1
		}
		keys, err := st.List(ctx, "jobs/")
		if err != nil {
			log.Error("artifact list failed", zap.Error(err))
			return 1
		}
		for _, k := range keys {
			if err := st.Delete(ctx, k); err != nil {
				log.Error("artifact delete failed", zap.String("key", k), zap.Error(err))
				return 2
			}
		}
	}

	log.Info("runner destroyed", zap.String("runner", cfg.RunnerID))
	return 0
}

func buildClients(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, *queue.RedisQ, error) {
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	q := queue.New(rdb, cfg.RunnerID, cfg.LeaseTTL, log)

	var st store.Store
	var err error
	if cfg.PostgresDSN != "" {
		var db *pgxpool.Pool
		db, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err == nil {
			st = store.NewPG(db)
		}
	} else {
		st, err = store.NewFS(cfg.StoreDir)
	}
	if err != nil {
		return nil, nil, err
	}
	return st, q, nil
}

func buildController(cfg config.Config, log *zap.Logger) (*pool.Controller, error) {
	env := []string{
		"MODELQ_RUNNER=" + cfg.RunnerID,
		"REDIS_ADDR=" + cfg.RedisAddr,
	}
	launcher, err := pool.NewExecLauncher(cfg.WorkerBinary, nil, env, cfg.PidDir)
	if err != nil {
		return nil, err
	}
	ctrl := pool.NewController(launcher, cfg.BootGrace, log)
	ctrl.Adopt(launcher.Existing())
	return ctrl, nil
}
