// Command codeexec-worker runs the pool of execution slots that pop jobs
// from the shared queue, compile and run them under the sandbox launcher,
// and persist results.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/noisefs-labs/codeexec/pkg/cache"
	"github.com/noisefs-labs/codeexec/pkg/config"
	"github.com/noisefs-labs/codeexec/pkg/logging"
	"github.com/noisefs-labs/codeexec/pkg/queue"
	"github.com/noisefs-labs/codeexec/pkg/registry"
	"github.com/noisefs-labs/codeexec/pkg/resilience"
	"github.com/noisefs-labs/codeexec/pkg/sandbox"
	"github.com/noisefs-labs/codeexec/pkg/store"
	"github.com/noisefs-labs/codeexec/pkg/worker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	languagesDir := flag.String("languages-dir", "configs/languages", "language catalog directory")
	templatesDir := flag.String("templates-dir", "configs/sandbox", "sandbox config template directory")
	flag.Parse()

	// The worker is the process whose memory/CPU footprint actually scales
	// with container limits (one execution slot per concurrent sandboxed
	// child), so besides GOMAXPROCS it is the one binary that also sets
	// GOMEMLIMIT from the container's limits.
	if _, err := maxprocs.Set(); err != nil {
		logging.Warnf("worker: maxprocs: %v", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		logging.Warnf("worker: memlimit: %v", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Errorf("worker: config: %v", err)
		os.Exit(1)
	}

	log := logging.NewLogger(logging.Config{
		Level:  logging.ParseLogLevel(cfg.Logging.Level),
		Format: logging.ParseLogFormat(cfg.Logging.Format),
		Output: os.Stderr,
	})
	logging.InitGlobalLogger(log)

	if err := os.MkdirAll(cfg.Sandbox.JobsRoot, 0700); err != nil {
		log.Errorf("jobs root %s: %v", cfg.Sandbox.JobsRoot, err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Errorf("redis ping failed: %v", err)
		pingCancel()
		os.Exit(1)
	}
	pingCancel()

	reg, err := registry.New(*languagesDir, *templatesDir, log)
	if err != nil {
		log.Errorf("registry: %v", err)
		os.Exit(1)
	}
	defer reg.Close()

	q := queue.New(rdb)
	st := store.New(rdb, cfg.Status.TTL)
	ch := cache.New(rdb, cfg.Cache.TTL, cfg.Cache.BloomExpectedItems, cfg.Cache.BloomFalsePositive)

	breaker := resilience.New(resilience.DefaultConfig("sandbox-launcher"))
	runner, err := sandbox.New(sandbox.Config{
		LauncherBin:        cfg.Sandbox.LauncherBin,
		LauncherLogPattern: cfg.Sandbox.LauncherLogPattern,
		CompileTimeout:     cfg.Worker.CompileTimeout,
		SafetyGrace:        cfg.Worker.SafetyGrace,
		MaxOutputBytes:     cfg.Worker.MaxOutputBytes,
	}, breaker)
	if err != nil {
		log.Errorf("sandbox runner: %v", err)
		os.Exit(1)
	}

	pool := worker.New(cfg.Worker, cfg.Sandbox, q, st, ch, reg, runner, log)

	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Infof("worker: shutdown signal received, draining in-flight jobs")
		cancel()
	}()

	log.Infof("worker: starting %d execution slots", cfg.Worker.Concurrency)
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		log.Errorf("worker pool exited: %v", err)
	}
}
