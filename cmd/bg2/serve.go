package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/partimap/bg2/internal/accounts"
	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/api"
	"github.com/partimap/bg2/internal/config"
	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/kv"
	"github.com/partimap/bg2/internal/metrics"
	"github.com/partimap/bg2/internal/profile"
	"github.com/partimap/bg2/internal/ratelimit"
	"github.com/partimap/bg2/internal/session"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BG2 server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// services is everything the server and the CLI helpers build from config.
type services struct {
	pool     *pgxpool.Pool
	provider *identity.Provider
	users    *identity.Store
	profiles *profile.Service
	profileS *profile.Store
	store    kv.Store
}

func openServices(ctx context.Context, cfg *config.Config) (*services, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	slog.Info("connected to database")

	tokens, err := identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	users := identity.NewStore(pool)
	provider := identity.NewProvider(users, tokens, identity.Options{
		SessionTTL:  cfg.Auth.SessionTTL,
		ResetTTL:    cfg.Auth.ResetTTL,
		AutoConfirm: cfg.Auth.AutoConfirm,
	})

	profileStore := profile.NewStore(pool)
	profiles := profile.NewService(profileStore, profile.NewCache(cfg.Profile.NormalTTL, cfg.Profile.CriticalTTL), profile.Options{
		FetchTimeout:     cfg.Profile.FetchTimeout,
		EnrichDelay:      cfg.Profile.EnrichDelay,
		RetryAttempts:    cfg.Profile.RetryAttempts,
		RetryBackoff:     cfg.Profile.RetryBackoff,
		MembershipMaxAge: cfg.Profile.MembershipMaxAge,
	})

	store, err := openKV(ctx, cfg.Redis)
	if err != nil {
		profiles.Close()
		pool.Close()
		return nil, err
	}

	return &services{
		pool:     pool,
		provider: provider,
		users:    users,
		profiles: profiles,
		profileS: profileStore,
		store:    store,
	}, nil
}

func (s *services) Close() {
	s.profiles.Close()
	s.pool.Close()
}

// openKV returns Redis when addresses are configured and process memory
// otherwise.
func openKV(ctx context.Context, rc config.RedisConfig) (kv.Store, error) {
	if len(rc.Addrs) == 0 {
		return kv.NewMemory(), nil
	}
	client, err := kv.NewRedisClient(kv.RedisOptions{
		Addrs:    rc.Addrs,
		Password: rc.Password,
		DB:       rc.DB,
		Cluster:  rc.Cluster,
	})
	if err != nil {
		return nil, err
	}
	r := kv.NewRedis(client, rc.Namespace, rc.TTL)
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	slog.Info("connected to redis", "addrs", rc.Addrs)
	return r, nil
}

// activityWriter builds the remote sink selected by cfg.Activity.Sink.
func activityWriter(cfg *config.Config, store *activity.Store) (activity.BatchWriter, func(), error) {
	noop := func() {}
	if cfg.Activity.Sink == config.SinkPostgres {
		return store, noop, nil
	}
	kw, err := activity.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID)
	if err != nil {
		return nil, noop, fmt.Errorf("connecting to kafka: %w", err)
	}
	closeKafka := func() {
		if err := kw.Close(); err != nil {
			slog.Error("closing kafka producer", "error", err)
		}
	}
	if cfg.Activity.Sink == config.SinkKafka {
		return kw, closeKafka, nil
	}
	return activity.MultiWriter{store, kw}, closeKafka, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		st := svc.pool.Stat()
		return metrics.PoolStats{
			Total:    st.TotalConns(),
			Idle:     st.IdleConns(),
			Acquired: st.AcquiredConns(),
			Max:      st.MaxConns(),
		}
	})
	svc.provider.SetMetrics(m)
	svc.provider.SetResetNotifier(func(_ context.Context, email, link string) {
		// No mail transport yet; the link only reaches the log.
		slog.Info("password reset link issued", "email", email, "link", link)
	})
	svc.profiles.SetMetrics(m)
	m.RegisterProfileCacheSize(svc.profiles.Cache().Len)
	go svc.profiles.Cache().Run(ctx, cfg.Profile.SweepInterval)

	activityStore := activity.NewStore(svc.pool)
	writer, closeWriter, err := activityWriter(cfg, activityStore)
	if err != nil {
		return err
	}
	defer closeWriter()
	collector := activity.NewCollector(writer, cfg.Activity.BatchSize, cfg.Activity.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	sealer, err := accounts.NewSealer(cfg.Accounts.SealKey)
	if err != nil {
		return fmt.Errorf("accounts seal key: %w", err)
	}
	if sealer == nil {
		slog.Warn("accounts.seal_key not set, saved accounts will not keep passwords")
	}

	hub := session.NewHub(session.HubDeps{
		Clients:  session.ProviderClients(svc.provider),
		Profiles: svc.profiles,
		Sink:     collector,
		Store:    svc.store,
		Options: session.Options{
			StaleAfter:        cfg.Profile.StaleAfter,
			MinLogoutDuration: cfg.Profile.MinLogoutDuration,
			ResetRedirectURL:  cfg.Auth.ResetRedirectURL,
		},
		ValidateEvery: cfg.Server.SessionRecheck,
	})
	hub.SetMetrics(m)
	go hub.Run(ctx, cfg.Profile.SweepInterval, cfg.Server.SessionIdle)

	limiter := ratelimit.New(cfg.RateLimit.Global, cfg.RateLimit.Window)
	go pruneLimiter(ctx, limiter, cfg.RateLimit.PruneIdle)
	go cleanSessions(ctx, svc.users, time.Hour)

	router := api.NewRouter(api.RouterDeps{
		Hub:            hub,
		Activity:       activityStore,
		Accounts:       accounts.NewStore(svc.store, sealer),
		Metrics:        m,
		Limiter:        limiter,
		LoginPolicy:    ratelimit.Policy{Scope: "login", PerIP: cfg.RateLimit.LoginPerIP, Global: cfg.RateLimit.Global},
		ResetPolicy:    ratelimit.Policy{Scope: "reset", PerIP: cfg.RateLimit.ResetPerIP},
		DB:             svc.pool,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	hub.Close()
	collector.Stop()
	return err
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(idle); n > 0 {
				slog.Debug("pruned idle rate limit buckets", "count", n)
			}
		}
	}
}

func cleanSessions(ctx context.Context, users *identity.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := users.CleanExpiredSessions(ctx)
			if err != nil {
				slog.Error("cleaning expired sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired sessions", "count", n)
			}
		}
	}
}
