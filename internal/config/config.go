package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// RunnerID namespaces one queue + artifact store pair. All submitters,
	// workers and retrievers of a batch share it.
	RunnerID string `env:"MODELQ_RUNNER" envDefault:"default"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// PostgresDSN selects the durable artifact store; when empty, blobs go
	// to StoreDir on the local filesystem instead.
	PostgresDSN string `env:"POSTGRES_DSN"`
	StoreDir    string `env:"MODELQ_STORE_DIR" envDefault:"./artifacts"`

	WorkDir string `env:"MODELQ_WORK_DIR" envDefault:"./work"`
	PidDir  string `env:"MODELQ_PID_DIR" envDefault:"./work/pids"`

	Slots         int           `env:"MODELQ_SLOTS" envDefault:"1"`
	PollWait      time.Duration `env:"MODELQ_POLL_WAIT" envDefault:"5s"`
	LeaseTTL      time.Duration `env:"MODELQ_LEASE_TTL" envDefault:"60s"`
	MaxAttempts   int           `env:"MODELQ_MAX_ATTEMPTS" envDefault:"3"`
	JobTimeout    time.Duration `env:"MODELQ_JOB_TIMEOUT" envDefault:"0"`
	BootGrace     time.Duration `env:"MODELQ_BOOT_GRACE" envDefault:"30s"`
	Command       string        `env:"MODELQ_COMMAND" envDefault:"./run.sh {}"`
	WorkerBinary  string        `env:"MODELQ_WORKER_BIN" envDefault:"modelq-worker"`
	MetricsAddr   string        `env:"METRICS_ADDR" envDefault:":9090"`
	MigrationsDir string        `env:"MODELQ_MIGRATIONS_DIR" envDefault:"migrations"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
