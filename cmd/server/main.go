package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	centerservice "exambridge/internal/center/service"
	centerstore "exambridge/internal/center/store"
	jwttoken "exambridge/internal/jwt_token"
	pkgmetrics "exambridge/internal/offlinepkg/metrics"
	pkgservice "exambridge/internal/offlinepkg/service"
	pkgstore "exambridge/internal/offlinepkg/store"
	"exambridge/internal/paper/keyvault"
	papermetrics "exambridge/internal/paper/metrics"
	paperservice "exambridge/internal/paper/service"
	paperstore "exambridge/internal/paper/store"
	"exambridge/internal/platform/config"
	"exambridge/internal/platform/httpserver"
	"exambridge/internal/platform/kafka"
	"exambridge/internal/platform/logger"
	"exambridge/internal/platform/metrics"
	"exambridge/internal/platform/postgres"
	"exambridge/internal/platform/redis"
	ratelimitmetrics "exambridge/internal/ratelimit/metrics"
	ratelimitmw "exambridge/internal/ratelimit/middleware"
	ratelimitmodels "exambridge/internal/ratelimit/models"
	"exambridge/internal/ratelimit/service/lockout"
	"exambridge/internal/ratelimit/service/requestlimit"
	"exambridge/internal/ratelimit/store/bucket"
	lockoutstore "exambridge/internal/ratelimit/store/lockout"
	registrymetrics "exambridge/internal/registry/metrics"
	registryservice "exambridge/internal/registry/service"
	registrystore "exambridge/internal/registry/store"
	tokenmetrics "exambridge/internal/token/metrics"
	tokenservice "exambridge/internal/token/service"
	tokenstore "exambridge/internal/token/store"
	httptransport "exambridge/internal/transport/http"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/audit/publisher"
	auditmemory "exambridge/pkg/platform/audit/store/memory"
	auditpostgres "exambridge/pkg/platform/audit/store/postgres"
	"exambridge/pkg/platform/clock"
)

const (
	jwtIssuer   = "exambridge"
	jwtAudience = "exambridge-centers"
)

// main runs the authority's main server: token issuance, paper custody,
// package generation and the central result registry.
func main() {
	cfg := config.FromEnv()
	cfg.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("main server stopped", "error", err)
		os.Exit(1)
	}
}

// backends holds the stores selected by configuration. Postgres replaces
// every in-memory store when DATABASE_URL is set; Redis only backs key
// release and the rate limit counters.
type backends struct {
	db       *sql.DB
	tokens   tokenservice.Store
	centers  centerservice.Store
	papers   paperservice.PaperStore
	keys     paperservice.KeyStore
	releases paperservice.ReleaseStore
	rosters  pkgservice.RosterStore
	packages pkgservice.PackageStore
	results  registryservice.Store
	audit    audit.Store
	buckets  requestlimit.BucketStore
	lockouts lockout.Store
	closers  []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	wrapper, err := keyWrapper(ctx, cfg.Crypto)
	if err != nil {
		return err
	}
	log.Info("paper key wrapper ready", "wrapper", wrapper.Name())

	auditPublisher := publisher.NewPublisher(b.audit, publisher.WithAsyncBuffer(1024), publisher.WithLogger(log))
	defer auditPublisher.Close()

	limitMetrics := ratelimitmetrics.New()
	guard := lockout.New(b.lockouts,
		lockout.WithConfig(lockout.Config{
			Attempts:     cfg.RateLimit.LockoutAttempts,
			Window:       cfg.RateLimit.LockoutWindow,
			LockDuration: cfg.RateLimit.LockoutDuration,
		}),
		lockout.WithLogger(log),
		lockout.WithAuditPublisher(auditPublisher),
		lockout.WithMetrics(limitMetrics),
	)
	limiter := requestlimit.New(b.buckets,
		requestlimit.WithLogger(log),
		requestlimit.WithAuditPublisher(auditPublisher),
		requestlimit.WithMetrics(limitMetrics),
		requestlimit.WithLimit(ratelimitmodels.ClassLogin, perMinute(cfg.RateLimit.LoginPerMinute)),
		requestlimit.WithLimit(ratelimitmodels.ClassValidate, perMinute(cfg.RateLimit.ValidatePerMinute)),
	)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, jwtIssuer, jwtAudience)
	centers := centerservice.New(b.centers, jwtService,
		centerservice.WithLogger(log),
		centerservice.WithAuditPublisher(auditPublisher),
		centerservice.WithTokenTTL(cfg.Server.CenterJWTTTL),
		centerservice.WithLoginGuard(guard),
	)
	tokens := tokenservice.New(b.tokens,
		tokenservice.WithLogger(log),
		tokenservice.WithAuditPublisher(auditPublisher),
		tokenservice.WithMetrics(tokenmetrics.New()),
		tokenservice.WithDefaultTTL(cfg.Token.DefaultTTL),
	)
	paperOpts := []paperservice.Option{
		paperservice.WithLogger(log),
		paperservice.WithAuditPublisher(auditPublisher),
		paperservice.WithMetrics(papermetrics.New()),
		paperservice.WithRelease(cfg.Crypto.ReleaseTTL, cfg.Crypto.ReleaseWindow),
	}
	registryOpts := []registryservice.Option{
		registryservice.WithLogger(log),
		registryservice.WithAuditPublisher(auditPublisher),
		registryservice.WithMetrics(registrymetrics.New()),
	}
	if b.db != nil {
		txr := newPostgresTx(b.db)
		paperOpts = append(paperOpts, paperservice.WithTransactor(txr))
		registryOpts = append(registryOpts, registryservice.WithTransactor(txr))
	}
	papers := paperservice.New(b.papers, b.keys, b.releases, wrapper, centers, paperOpts...)
	packages := pkgservice.New(b.rosters, b.packages,
		pkgservice.WithLogger(log),
		pkgservice.WithAuditPublisher(auditPublisher),
		pkgservice.WithMetrics(pkgmetrics.New()),
		pkgservice.WithPaperSource(papers),
	)
	registry := registryservice.New(b.results, centers, packages, tokens, registryOpts...)

	handler := httptransport.NewMainHandler(tokens, centers, papers, packages, registry,
		jwttoken.NewJWTServiceAdapter(jwtService), cfg.Server.AdminToken, log,
		httptransport.WithRateLimiter(ratelimitmw.New(limiter, log,
			ratelimitmw.WithDisabled(cfg.RateLimit.Disabled),
			ratelimitmw.WithMetrics(limitMetrics),
		)),
	)
	router := httptransport.NewRouter(log, metrics.New("main"), handler)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting main server", "addr", cfg.Server.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweepTokens(gctx, tokens, cfg.Token.SweepInterval, log)
		return nil
	})
	if mem, ok := b.buckets.(*bucket.InMemoryBucketStore); ok {
		g.Go(func() error {
			mem.RunPruner(gctx, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down main server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.Postgres.URL == "" {
		log.Warn("DATABASE_URL not set; using in-memory stores")
		b.tokens = tokenstore.NewInMemory()
		b.centers = centerstore.NewInMemory()
		b.papers = paperstore.NewInMemoryPaperStore()
		b.keys = paperstore.NewInMemoryKeyStore()
		b.rosters = pkgstore.NewInMemoryRosterStore()
		b.packages = pkgstore.NewInMemoryPackageStore()
		b.results = registrystore.NewInMemory()
		b.audit = auditmemory.NewInMemoryStore()
	} else {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.db = db
		b.closers = append(b.closers, func() { _ = db.Close() })
		if cfg.Postgres.MigrateOnStart {
			if err := postgres.Migrate(db); err != nil {
				b.Close()
				return nil, err
			}
		}
		b.tokens = tokenstore.NewPostgres(db)
		b.centers = centerstore.NewPostgres(db)
		b.papers = paperstore.NewPostgresPaperStore(db)
		b.keys = paperstore.NewPostgresKeyStore(db)
		b.rosters = pkgstore.NewPostgresRosterStore(db)
		b.packages = pkgstore.NewPostgresPackageStore(db)
		b.results = registrystore.NewPostgres(db)
		b.audit = auditpostgres.New(db)
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		b.Close()
		return nil, err
	}
	if rdb != nil {
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.releases = paperstore.NewRedisReleaseStore(rdb.Client)
		b.buckets = bucket.NewRedisBucketStore(rdb.Client, clock.Real())
		b.lockouts = lockoutstore.NewRedisStore(rdb.Client, cfg.RateLimit.LockoutWindow+cfg.RateLimit.LockoutDuration)
	} else {
		b.releases = paperstore.NewInMemoryReleaseStore(clock.Real())
		b.buckets = bucket.NewInMemoryBucketStore(clock.Real())
		b.lockouts = lockoutstore.NewInMemoryStore()
	}

	// Kafka takes over audit when brokers are configured.
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka.NewAuditSink(ctx, cfg.Kafka)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, sink.Close)
		b.audit = sink
	}
	return b, nil
}

// keyWrapper prefers KMS when a key id is configured and falls back to the
// local KEK.
func keyWrapper(ctx context.Context, cfg config.Crypto) (keyvault.KeyWrapper, error) {
	if cfg.KMSKeyID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return keyvault.NewKMS(kms.NewFromConfig(awsCfg), cfg.KMSKeyID), nil
	}
	kek, err := cfg.KEKBytes()
	if err != nil {
		return nil, err
	}
	local, err := keyvault.NewLocal(kek)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func perMinute(n int) ratelimitmodels.Limit {
	return ratelimitmodels.Limit{Requests: n, Window: time.Minute}
}

func sweepTokens(ctx context.Context, tokens *tokenservice.Service, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tokens.SweepExpired(ctx)
			if err != nil {
				log.WarnContext(ctx, "token sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.InfoContext(ctx, "expired tokens swept", "count", n)
			}
		}
	}
}
