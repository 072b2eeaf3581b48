package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	server "github.com/mirahq/cmdgate/internal"
	"github.com/mirahq/cmdgate/internal/approval"
	approvalrepo "github.com/mirahq/cmdgate/internal/approval/repositoryimpl"
	"github.com/mirahq/cmdgate/internal/audit"
	auditrepo "github.com/mirahq/cmdgate/internal/audit/repositoryimpl"
	"github.com/mirahq/cmdgate/internal/config"
	"github.com/mirahq/cmdgate/internal/db"
	"github.com/mirahq/cmdgate/internal/engine"
	"github.com/mirahq/cmdgate/internal/eventbus"
	"github.com/mirahq/cmdgate/internal/pushnotification"
	pushsubrepo "github.com/mirahq/cmdgate/internal/pushsubscription/repositoryimpl"
	"github.com/mirahq/cmdgate/internal/rule"
	rulerepo "github.com/mirahq/cmdgate/internal/rule/repositoryimpl"
	"github.com/mirahq/cmdgate/pkg/clog"
	"github.com/mirahq/cmdgate/pkg/sentinel"
	"github.com/mirahq/cmdgate/pkg/storage"
)

func main() {
	// Without arguments the binary supervises itself; "run" is the child
	// that actually serves.
	if len(os.Args) > 1 && os.Args[1] == "run" {
		run()
		return
	}
	sentinel.Run()
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	var store storage.Storage
	var rulesWatchDir string
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		local, err := storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
		store = local
		rulesWatchDir = filepath.Join(local.BaseDir(), "rules")
	}

	conn, err := db.Open(env.SQLitePath)
	if err != nil {
		slog.Error("failed to open sqlite db", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	bus := eventbus.New()

	ruleRepo := rulerepo.NewYAMLRepository(store)
	approvalRepo, err := approvalrepo.NewSQLiteRepository(conn)
	if err != nil {
		slog.Error("failed to set up approval store", "error", err)
		os.Exit(1)
	}
	auditRepo, err := auditrepo.NewSQLiteRepository(conn)
	if err != nil {
		slog.Error("failed to set up audit store", "error", err)
		os.Exit(1)
	}
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	if env.SeedBlocklist {
		if err := rule.SeedDefaultBlocklist(context.Background(), ruleRepo); err != nil {
			slog.Error("failed to seed default blocklist", "error", err)
			os.Exit(1)
		}
	}

	provider := rule.NewProvider(ruleRepo, env.RefreshInterval, rulesWatchDir)
	if _, err := provider.Refresh(context.Background()); err != nil {
		slog.Error("failed to load initial rule snapshot", "error", err)
		os.Exit(1)
	}

	var executor engine.Executor
	if env.ExecutorEnv.Enabled {
		executor = engine.NewLocalExecutor(env.ExecutorEnv.Timeout)
	} else {
		slog.Warn("executor disabled, approved commands will not run")
		executor = disabledExecutor{}
	}

	eng := engine.New(ruleRepo, provider, approvalRepo, auditRepo, executor, bus, engine.Config{
		ApprovalTTL:     env.TTL,
		UnmatchedPolicy: engine.UnmatchedPolicy(env.UnmatchedPolicy),
	})

	pushSender := pushnotification.NewSender(&env.PushEnv, pushSubRepo)
	pushDispatcher := pushnotification.NewDispatcher(bus, approvalRepo, pushSender)
	sweeper := approval.NewSweeper(approvalRepo, bus, env.SweepInterval)

	srv := server.NewServer(
		env,
		engine.NewServer(eng),
		approval.NewServer(approvalRepo, eng),
		rule.NewServer(ruleRepo, provider, bus),
		audit.NewServer(auditRepo),
		pushnotification.NewServer(&env.PushEnv, pushSubRepo),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	p.Go(sweeper.Run)
	p.Go(provider.Run)
	p.Go(pushDispatcher.Run)
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// disabledExecutor reports every command as not executed. Useful for
// dry-run deployments that only want the decision trail.
type disabledExecutor struct{}

func (disabledExecutor) Run(ctx context.Context, command, workingDir string) (*engine.Result, error) {
	return nil, errors.New("executor is disabled")
}
