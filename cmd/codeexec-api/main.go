// Command codeexec-api serves the submission API: clients post code,
// receive a job id (or an inline cached result), and poll or subscribe for
// the outcome.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/net/netutil"

	"github.com/noisefs-labs/codeexec/pkg/api"
	"github.com/noisefs-labs/codeexec/pkg/cache"
	"github.com/noisefs-labs/codeexec/pkg/config"
	"github.com/noisefs-labs/codeexec/pkg/logging"
	"github.com/noisefs-labs/codeexec/pkg/queue"
	"github.com/noisefs-labs/codeexec/pkg/ratelimit"
	"github.com/noisefs-labs/codeexec/pkg/registry"
	"github.com/noisefs-labs/codeexec/pkg/store"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	languagesDir := flag.String("languages-dir", "configs/languages", "language catalog directory")
	templatesDir := flag.String("templates-dir", "configs/sandbox", "sandbox config template directory")
	flag.Parse()

	if _, err := maxprocs.Set(); err != nil {
		logging.Warnf("api: maxprocs: %v", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Errorf("api: config: %v", err)
		os.Exit(1)
	}

	log := logging.NewLogger(logging.Config{
		Level:  logging.ParseLogLevel(cfg.Logging.Level),
		Format: logging.ParseLogFormat(cfg.Logging.Format),
		Output: os.Stderr,
	})
	logging.InitGlobalLogger(log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Errorf("redis ping failed: %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	reg, err := registry.New(*languagesDir, *templatesDir, log)
	if err != nil {
		log.Errorf("registry: %v", err)
		os.Exit(1)
	}
	defer reg.Close()

	q := queue.New(rdb)
	st := store.New(rdb, cfg.Status.TTL)
	ch := cache.New(rdb, cfg.Cache.TTL, cfg.Cache.BloomExpectedItems, cfg.Cache.BloomFalsePositive)
	limiter := ratelimit.New(rdb, ratelimit.Config{
		MaxRequests:     cfg.RateLimit.MaxRequests,
		Window:          cfg.RateLimit.Window,
		ChargeCacheHits: cfg.RateLimit.ChargeCacheHits,
	})

	srv := api.New(reg, q, st, ch, limiter, log)

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		log.Errorf("listen %s: %v", cfg.HTTP.Addr, err)
		os.Exit(1)
	}
	if cfg.HTTP.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.HTTP.MaxConns)
	}

	httpServer := &http.Server{Handler: srv.Router()}

	go func() {
		log.Infof("api: listening on %s (max %d conns)", cfg.HTTP.Addr, cfg.HTTP.MaxConns)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
