// Command codeexec-admin is an operator tool for inspecting queue depth,
// flushing cache or rate-limit entries, and forcing a registry reload.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/noisefs-labs/codeexec/pkg/config"
	"github.com/noisefs-labs/codeexec/pkg/queue"
	"github.com/noisefs-labs/codeexec/pkg/registry"
)

var (
	configFile   string
	languagesDir string
	templatesDir string
	promptPass   bool
)

func main() {
	root := &cobra.Command{
		Use:   "codeexec-admin",
		Short: "Operator tool for the code execution service",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	root.PersistentFlags().StringVar(&languagesDir, "languages-dir", "configs/languages", "language catalog directory")
	root.PersistentFlags().StringVar(&templatesDir, "templates-dir", "configs/sandbox", "sandbox config template directory")
	root.PersistentFlags().BoolVar(&promptPass, "prompt-password", false, "prompt for the Redis password instead of reading REDIS_PASSWORD")

	root.AddCommand(queueDepthCmd())
	root.AddCommand(cacheFlushCmd())
	root.AddCommand(rateLimitResetCmd())
	root.AddCommand(registryReloadCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadRedis(cmd *cobra.Command) (*redis.Client, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	password := cfg.Redis.Password
	if promptPass {
		fmt.Fprint(os.Stderr, "Redis password: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		password = string(b)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func queueDepthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-depth",
		Short: "Print the current job queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := loadRedis(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()

			n, err := queue.New(rdb).Len(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}

func cacheFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-flush <fingerprint>",
		Short: "Delete a cache entry by content fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := loadRedis(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()

			return rdb.Del(cmd.Context(), "cache:"+args[0]).Err()
		},
	}
}

func rateLimitResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit-reset <fingerprint>",
		Short: "Clear a caller's rate-limit counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, err := loadRedis(cmd)
			if err != nil {
				return err
			}
			defer rdb.Close()

			return rdb.Del(cmd.Context(), "ratelimit:"+args[0]).Err()
		},
	}
}

func registryReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registry-reload",
		Short: "Force a reload of the language catalog from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.New(languagesDir, templatesDir, nil)
			if err != nil {
				return err
			}
			defer reg.Close()
			return reg.Reload()
		},
	}
}
