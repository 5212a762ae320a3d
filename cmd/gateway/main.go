// Command gateway runs the data-portal streaming plane's Gateway (G): the
// HTTP surface described in SPEC_FULL.md §4.7, backed by Redis for both
// Cache and Broker.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/freva-org/freva-nextgen-sub001/internal/auth"
	"github.com/freva-org/freva-nextgen-sub001/internal/broker"
	"github.com/freva-org/freva-nextgen-sub001/internal/cache"
	"github.com/freva-org/freva-nextgen-sub001/internal/config"
	"github.com/freva-org/freva-nextgen-sub001/internal/gateway"
	"github.com/freva-org/freva-nextgen-sub001/internal/logging"
	"github.com/freva-org/freva-nextgen-sub001/internal/presign"
	"github.com/freva-org/freva-nextgen-sub001/internal/statssink"
	"github.com/freva-org/freva-nextgen-sub001/internal/telemetry"
	"github.com/freva-org/freva-nextgen-sub001/internal/token"
)

func main() {
	var configDir, env string

	root := &cobra.Command{
		Use:   "gateway",
		Short: "serve the data-portal zarr gateway",
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
	signer := presign.NewSigner([]byte(cfg.PreSign.Secret))

	verifier := auth.NewStaticVerifier()
	for bearer, role := range cfg.Auth.Tokens {
		verifier.Tokens[bearer] = auth.MapClaims{"role": role}
	}

	srv := gateway.NewServer(store, b, side, signer, verifier, gateway.Config{
		MinTTL:            time.Duration(cfg.TTL.MinSeconds) * time.Second,
		MaxTTL:            time.Duration(cfg.TTL.MaxSeconds) * time.Second,
		DefaultTTL:        time.Duration(cfg.TTL.DefaultSeconds) * time.Second,
		ClaimRules:        cfg.Auth.ClaimRules,
		ServiceName:       cfg.Auth.ServiceName,
		ServiceAllowList:  cfg.Auth.ServiceAllow,
		DefaultTimeout:    time.Duration(cfg.Gateway.DefaultTimeoutSeconds) * time.Second,
		MaxTimeout:        time.Duration(cfg.Gateway.MaxTimeoutSeconds) * time.Second,
		PollInterval:      cfg.PollInterval(),
		PreSignDefaultTTL: time.Duration(cfg.PreSign.DefaultTTLSeconds) * time.Second,
	})
	srv.Log = log
	srv.Stats = statssink.NewLoggingSink(log)
	srv.Tracer = telemetry.GetTracer(nil)

	httpServer := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: srv.Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s", cfg.Gateway.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-sigc:
		log.Info("gateway shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
}
