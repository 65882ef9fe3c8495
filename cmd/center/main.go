package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	centermodels "exambridge/internal/center/models"
	"exambridge/internal/centerclient"
	pkgmetrics "exambridge/internal/offlinepkg/metrics"
	pkgservice "exambridge/internal/offlinepkg/service"
	pkgstore "exambridge/internal/offlinepkg/store"
	papermetrics "exambridge/internal/paper/metrics"
	"exambridge/internal/paper/opener"
	"exambridge/internal/platform/config"
	"exambridge/internal/platform/httpserver"
	"exambridge/internal/platform/logger"
	"exambridge/internal/platform/metrics"
	"exambridge/internal/platform/postgres"
	ratelimitmetrics "exambridge/internal/ratelimit/metrics"
	ratelimitmw "exambridge/internal/ratelimit/middleware"
	ratelimitmodels "exambridge/internal/ratelimit/models"
	"exambridge/internal/ratelimit/service/requestlimit"
	"exambridge/internal/ratelimit/store/bucket"
	sessionmetrics "exambridge/internal/session/metrics"
	sessionservice "exambridge/internal/session/service"
	sessionstore "exambridge/internal/session/store"
	syncmetrics "exambridge/internal/sync/metrics"
	syncservice "exambridge/internal/sync/service"
	tokenservice "exambridge/internal/token/service"
	tokenstore "exambridge/internal/token/store"
	httptransport "exambridge/internal/transport/http"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/audit/publisher"
	auditmemory "exambridge/pkg/platform/audit/store/memory"
	auditpostgres "exambridge/pkg/platform/audit/store/postgres"
)

// main runs the center admin: it pulls the shift from the main server,
// serves the student panel and invigilator console on the LAN and pushes
// submitted results back.
func main() {
	cfg := config.FromEnv()
	cfg.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("center admin stopped", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	sessions interface {
		sessionservice.Store
		syncservice.SessionStore
	}
	tokens   tokenservice.Store
	rosters  pkgservice.RosterStore
	packages pkgservice.PackageStore
	audit    audit.Store
	close    func()
}

func run(cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	examID, err := id.ParseExamID(cfg.Center.ExamID)
	if err != nil {
		return fmt.Errorf("CENTER_EXAM_ID: %w", err)
	}
	shiftID, err := id.ParseShiftID(cfg.Center.ShiftID)
	if err != nil {
		return fmt.Errorf("CENTER_SHIFT_ID: %w", err)
	}
	if cfg.Center.AgeIdentity == "" {
		return errors.New("CENTER_AGE_IDENTITY is not set")
	}
	lockdown := config.DefaultLockdown()
	if cfg.Center.LockdownFile != "" {
		if lockdown, err = config.LoadLockdown(cfg.Center.LockdownFile); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer st.close()

	auditPublisher := publisher.NewPublisher(st.audit, publisher.WithAsyncBuffer(256), publisher.WithLogger(log))
	defer auditPublisher.Close()

	// Re-logins after the first restart the sync loop so it picks up the
	// fresh credentials from a clean pass.
	var (
		scheduler *syncservice.Scheduler
		logins    atomic.Int32
	)
	client := centerclient.New(cfg.Center.MainURL,
		centerclient.WithCredentials(cfg.Center.Code, cfg.Center.Password),
		centerclient.WithLogger(log),
		centerclient.WithRetryWindow(cfg.Sync.Timeout),
		centerclient.OnLogin(func(res *centermodels.LoginResult) {
			if logins.Add(1) > 1 && scheduler != nil {
				go scheduler.Restart(res.Center.ID)
			}
		}),
	)
	login, err := client.Login(ctx)
	if err != nil {
		return fmt.Errorf("login to main server: %w", err)
	}
	centerID := login.Center.ID

	tokens := tokenservice.New(st.tokens, tokenservice.WithLogger(log), tokenservice.WithAuditPublisher(auditPublisher))
	packages := pkgservice.New(st.rosters, st.packages,
		pkgservice.WithLogger(log),
		pkgservice.WithAuditPublisher(auditPublisher),
		pkgservice.WithMetrics(pkgmetrics.New()),
	)
	if err := pullShift(ctx, client, packages, tokens, examID, shiftID); err != nil {
		return err
	}

	papers := opener.New(cfg.Center.AgeIdentity, opener.WithLogger(log), opener.WithMetrics(papermetrics.New()))
	defer papers.Forget()

	manager := sessionservice.New(st.sessions, tokens, packages, papers,
		sessionservice.WithLogger(log),
		sessionservice.WithAuditPublisher(auditPublisher),
		sessionservice.WithMetrics(sessionmetrics.New()),
		sessionservice.WithLockdown(lockdown),
	)
	defer manager.Stop()
	if _, err := manager.Recover(ctx); err != nil {
		return err
	}

	engine := syncservice.New(st.sessions, client,
		syncservice.WithLogger(log),
		syncservice.WithAuditPublisher(auditPublisher),
		syncservice.WithMetrics(syncmetrics.New()),
		syncservice.WithBatchSize(cfg.Sync.BatchSize),
		syncservice.WithShift(examID, shiftID),
	)
	scheduler = syncservice.NewScheduler(engine, cfg.Sync.Interval, syncservice.WithSchedulerLogger(log))
	scheduler.Add(centerID)

	buckets := bucket.NewInMemoryBucketStore(nil)
	limitMetrics := ratelimitmetrics.New()
	limiter := requestlimit.New(buckets,
		requestlimit.WithLogger(log),
		requestlimit.WithAuditPublisher(auditPublisher),
		requestlimit.WithMetrics(limitMetrics),
		requestlimit.WithLimit(ratelimitmodels.ClassAdmit, ratelimitmodels.Limit{
			Requests: cfg.RateLimit.AdmitPerMinute,
			Window:   time.Minute,
		}),
	)
	handler := httptransport.NewCenterHandler(manager, engine, lockdown, centerID, cfg.Server.AdminToken, log,
		httptransport.WithRateLimiter(ratelimitmw.New(limiter, log,
			ratelimitmw.WithDisabled(cfg.RateLimit.Disabled),
			ratelimitmw.WithMetrics(limitMetrics),
		)),
	)
	srv := httpserver.New(cfg.Center.LANAddr, httptransport.NewRouter(log, metrics.New("center"), handler))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting center LAN server", "addr", cfg.Center.LANAddr, "center_id", centerID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := awaitKeys(gctx, client, papers, examID, shiftID, log); err != nil && gctx.Err() == nil {
			log.Error("paper keys could not be installed; papers stay closed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(gctx, cfg.Session.SweepInterval)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		buckets.RunPruner(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down center LAN server")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pullShift installs the shift package and the token grant. Both are needed
// before any candidate can be admitted.
func pullShift(ctx context.Context, client *centerclient.Client, packages *pkgservice.Service, tokens *tokenservice.Service, examID id.ExamID, shiftID id.ShiftID) error {
	pkg, err := client.DownloadPackage(ctx, examID, shiftID)
	if err != nil {
		return fmt.Errorf("download package: %w", err)
	}
	if _, err := packages.Install(ctx, pkg); err != nil {
		return fmt.Errorf("install package: %w", err)
	}
	grant, err := client.FetchGrant(ctx, examID, shiftID)
	if err != nil {
		return fmt.Errorf("fetch token grant: %w", err)
	}
	if err := tokens.Import(ctx, grant); err != nil {
		return fmt.Errorf("import token grant: %w", err)
	}
	return nil
}

// awaitKeys polls for the shift's key release until it arrives. Candidates
// can be admitted meanwhile; they wait until the paper can be opened.
func awaitKeys(ctx context.Context, client *centerclient.Client, papers *opener.Opener, examID id.ExamID, shiftID id.ShiftID, log *slog.Logger) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	op := func() error {
		release, err := client.FetchRelease(ctx, examID, shiftID)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		n, err := papers.Install(ctx, release)
		if err != nil {
			return backoff.Permanent(err)
		}
		log.InfoContext(ctx, "paper keys installed", "papers", n, "expires_at", release.ExpiresAt)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.InfoContext(ctx, "paper keys not available yet", "retry_in", wait, "reason", dErrors.MessageOf(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
}

func openStores(ctx context.Context, cfg config.Postgres, log *slog.Logger) (*stores, error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set; sessions are kept in memory")
		return &stores{
			sessions: sessionstore.NewInMemory(),
			tokens:   tokenstore.NewInMemory(),
			rosters:  pkgstore.NewInMemoryRosterStore(),
			packages: pkgstore.NewInMemoryPackageStore(),
			audit:    auditmemory.NewInMemoryStore(),
			close:    func() {},
		}, nil
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &stores{
		sessions: sessionstore.NewPostgres(db),
		tokens:   tokenstore.NewPostgres(db),
		rosters:  pkgstore.NewPostgresRosterStore(db),
		packages: pkgstore.NewPostgresPackageStore(db),
		audit:    auditpostgres.New(db),
		close:    func() { _ = db.Close() },
	}, nil
}
