// Command worker runs the data-portal streaming plane's Worker (W): the
// pool of goroutines that drain Broker messages and materialise zarr
// metadata and chunk bytes, per SPEC_FULL.md §4.6.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/freva-org/freva-nextgen-sub001/internal/broker"
	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/config"
	"github.com/freva-org/freva-nextgen-sub001/internal/logging"
	"github.com/freva-org/freva-nextgen-sub001/internal/opener"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
	"github.com/freva-org/freva-nextgen-sub001/internal/worker"
)

func main() {
	var configDir, env string

	root := &cobra.Command{
		Use:   "worker",
		Short: "drain data-portal broker messages into cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configDir, env)
		},
	}
	root.Flags().StringVar(&configDir, "config-dir", "", "directory holding default.yaml / <env>.yaml")
	root.Flags().StringVar(&env, "env", "", "config overlay name, e.g. \"production\"")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configDir, env string) error {
	cfg, err := config.Load(configDir, env)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging.Level)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := cache.NewRedisStore(client)
	b := broker.New(store)
	side := token.NewCacheSideTable(store)

	o := opener.NewPosixOpener()

	pool := worker.NewPool(store, b, o, side, time.Duration(cfg.TTL.DefaultSeconds)*time.Second, log)
	pool.Concurrency = cfg.Worker.Concurrency

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("worker shutting down")
		cancel()
	}()

	log.Infof("worker draining broker %q with concurrency %d", broker.Topic, pool.Concurrency)
	return pool.Run(ctx)
}
