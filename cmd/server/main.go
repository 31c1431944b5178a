package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	router "github.com/dkeye/Ring/internal/adapters/http"
	"github.com/dkeye/Ring/internal/adapters/livekit"
	sig "github.com/dkeye/Ring/internal/adapters/signal"
	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/app/maintenance"
	"github.com/dkeye/Ring/internal/app/presence"
	"github.com/dkeye/Ring/internal/auth"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/logging"
	"github.com/dkeye/Ring/internal/store"
	"github.com/dkeye/Ring/internal/store/redisstore"
)

func main() {
	var cfgFile string
	var v *viper.Viper

	root := &cobra.Command{
		Use:   "ring-server",
		Short: "Presence, signaling and relay credential server",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v = config.New(cfgFile)
			return bindFlags(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.LogLevel, cfg.Mode != "release"); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (default config/config.<CONFIG_ENV>.yaml)")
	root.Flags().Int("port", 8080, "HTTP listen port")
	root.Flags().String("mode", "release", "gin mode (debug, release, test)")
	root.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.Flags().String("db-driver", "sqlite", "Database driver (sqlite, postgres)")
	root.Flags().String("redis-addr", "", "Redis address for the presence mirror; empty disables it")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bindFlags lets flags the user actually set win over the config file.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{
		"port":       "port",
		"mode":       "mode",
		"log_level":  "log-level",
		"db.driver":  "db-driver",
		"redis.addr": "redis-addr",
	} {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	users := store.NewUsers(db)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.JWT.Secret),
		Issuer:        cfg.JWT.Issuer,
		TokenTTL:      cfg.JWT.TTL,
	})
	if err != nil {
		return err
	}

	health := []router.HealthCheck{{Name: "db", Check: sqlDB.PingContext}}
	stores := []presence.StatusStore{users}
	sweepOpts := []maintenance.Option{maintenance.WithSchedule(cfg.Sweep.Schedule)}
	if cfg.Redis.Addr != "" {
		client := redisstore.NewClient(cfg.Redis)
		defer client.Close()
		mirror := redisstore.NewPresenceStore(client, cfg.Redis.TTL)
		stores = append(stores, mirror)
		sweepOpts = append(sweepOpts, maintenance.WithRefresher(mirror))
		health = append(health, router.HealthCheck{Name: "redis", Check: mirror.Ping})
		log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Msg("redis presence mirror enabled")
	}

	reg := presence.NewRegistry(
		presence.WithStore(presence.MultiStore(stores...)),
		presence.WithDirectory(users),
	)
	invites := sig.NewInviteLimiter(cfg.Invites.Limit, cfg.Invites.Window)
	hub := sig.NewSignalWSController(reg, app.SimplePolicy{MaxDropped: cfg.MaxDropped}, invites, sig.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendQueue:  cfg.SendQueue,
	})

	sweeper := maintenance.NewSweeper(reg, users, append(sweepOpts, maintenance.WithPruner(invites))...)
	// nobody is connected yet: flags left by a previous run are stale
	if err := sweeper.RunOnce(ctx); err != nil {
		log.Warn().Err(err).Str("module", "main").Msg("startup presence sweep")
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	defer func() { <-sweeper.Stop().Done() }()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Auth:     auth.NewService(users, issuer),
		Users:    users,
		Presence: reg,
		Signal:   hub,
		Relay:    livekit.NewMinter(cfg.LiveKit),
		Rooms:    livekit.NewRooms(cfg.LiveKit),
		Health:   health,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "main").Str("addr", addr).Msg("Ring server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Str("module", "main").Msg("Shutting down")
	// hijacked websockets are not tracked by Shutdown
	hub.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("Server forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("Server exited gracefully")
	return nil
}
