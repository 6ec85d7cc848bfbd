package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/geosync/internal/auth"
	"github.com/mohammed-shakir/geosync/internal/cache/extentcache"
	"github.com/mohammed-shakir/geosync/internal/cache/redisstore"
	"github.com/mohammed-shakir/geosync/internal/core/config"
	"github.com/mohammed-shakir/geosync/internal/core/health"
	"github.com/mohammed-shakir/geosync/internal/core/observability"
	"github.com/mohammed-shakir/geosync/internal/core/router"
	"github.com/mohammed-shakir/geosync/internal/core/server"
	"github.com/mohammed-shakir/geosync/internal/events"
	"github.com/mohammed-shakir/geosync/internal/logger"
	h3mapper "github.com/mohammed-shakir/geosync/internal/mapper/h3"
	"github.com/mohammed-shakir/geosync/internal/metrics"
	"github.com/mohammed-shakir/geosync/internal/store"
)

var Version = "dev"

// events covering more cells than this are coarsened to parents
const maxEventCells = 512

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	driverFlag := flag.String("store", "", "store driver: postgres or memory (overrides STORE_DRIVER)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *driverFlag != "" {
		cfg.Store.Driver = strings.ToLower(strings.TrimSpace(*driverFlag))
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "geosync-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.ExposeBuildInfo(Version, cfg.Store.Driver)
	appLog.Info("starting geosync server",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Enabled,
		"events", cfg.Events.Enabled)

	st, err := openStore(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("store setup failed", "err", err)
		return 1
	}
	defer st.Close()

	checks := map[string]health.Check{"store": st.Ping}

	var rc *redisstore.Client
	if cfg.RedisAddr != "" {
		rc, err = redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis setup failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		checks["redis"] = rc.Ping
	}

	var sessions auth.SessionStore
	if rc != nil {
		sessions = auth.NewRedisSessions(rc)
	} else {
		appLog.Warn("REDIS_ADDR empty, refresh sessions kept in process memory")
		sessions = auth.NewMemorySessions(0, cfg.Auth.RefreshTTL)
	}

	var spatial store.SpatialStore = st
	if cfg.Cache.Enabled {
		if rc == nil {
			appLog.Warn("CACHE_ENABLED without REDIS_ADDR, extent cache disabled")
		} else {
			spatial = extentcache.New(st, rc, extentcache.Config{TTL: cfg.Cache.TTL, OpTimeout: cfg.Cache.OpTimeout}, appLog)
		}
	}

	var pub events.Publisher = events.Noop{}
	if cfg.Events.Enabled {
		kp, err := events.NewKafkaPublisher(splitList(cfg.Events.Brokers), cfg.Events.Topic, cfg.Events.Queue, appLog)
		if err != nil {
			appLog.Error("kafka setup failed", "brokers", cfg.Events.Brokers, "err", err)
			return 1
		}
		pub = kp
	}
	defer func() {
		if err := pub.Close(); err != nil {
			appLog.Warn("event publisher close", "err", err)
		}
	}()
	notifier := events.NewNotifier(pub, h3mapper.New(), events.NotifierConfig{
		Res:      cfg.H3Res,
		MaxCells: maxEventCells,
	}, appLog)

	signer := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL)
	authSvc := auth.NewService(st, signer, sessions, cfg.Auth.RefreshTTL, appLog)

	opts := server.Options{Checks: checks}
	if cfg.MetricsEnabled {
		_, cached := spatial.(*extentcache.Store)
		p := metrics.Init(metrics.Config{Backends: map[string]bool{
			"redis":        rc != nil,
			"extent_cache": cached,
			"kafka":        cfg.Events.Enabled,
		}})
		opts.Metrics = p.Handler()
	}

	handler := server.NewHandler(appLog, router.Deps{
		Config:   cfg,
		Auth:     authSvc,
		Store:    spatial,
		Projects: st,
		Notifier: notifier,
		Log:      appLog,
	}, opts)

	if err := server.Run(ctx, cfg, appLog, handler); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemory()
		if err := seed(ctx, mem, os.Getenv("SEED_USERS")); err != nil {
			return nil, err
		}
		return mem, nil
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL, store.PostgresOptions{
			MaxConns:         cfg.Store.MaxConns,
			MaxQueryFeatures: cfg.MaxQueryFeatures,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := store.ApplyMigrations(ctx, pg.Pool()); err != nil {
				pg.Close()
				return nil, err
			}
			log.Info("migrations applied")
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// seed creates users from "email:password:project|project,..." for local runs
// of the memory store.
func seed(ctx context.Context, st store.Store, entries string) error {
	members := map[string][]string{}
	var order []string
	for _, entry := range splitList(entries) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return errors.New("SEED_USERS entries are email:password[:project|project]")
		}
		hash, err := auth.HashPassword(parts[1])
		if err != nil {
			return err
		}
		u, err := st.CreateUser(ctx, parts[0], hash)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", parts[0], err)
		}
		if len(parts) < 3 {
			continue
		}
		for _, name := range strings.Split(parts[2], "|") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := members[name]; !ok {
				order = append(order, name)
			}
			members[name] = append(members[name], u.ID)
		}
	}
	for _, name := range order {
		if _, err := st.CreateProject(ctx, name, members[name]...); err != nil {
			return fmt.Errorf("seed project %s: %w", name, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
