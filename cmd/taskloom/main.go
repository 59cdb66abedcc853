// Command taskloom runs the full dispatch loop: it loads configuration,
// opens the store, wires the mediation and notification components, starts
// whichever chat channels have credentials configured, and serves the admin
// HTTP API until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/taskloom/taskloom/internal/adminapi"
	"github.com/taskloom/taskloom/internal/agentturn"
	"github.com/taskloom/taskloom/internal/approval"
	"github.com/taskloom/taskloom/internal/audit"
	"github.com/taskloom/taskloom/internal/bus"
	"github.com/taskloom/taskloom/internal/channels"
	"github.com/taskloom/taskloom/internal/config"
	"github.com/taskloom/taskloom/internal/cron"
	"github.com/taskloom/taskloom/internal/dispatcher"
	"github.com/taskloom/taskloom/internal/guardrail"
	"github.com/taskloom/taskloom/internal/ingress"
	"github.com/taskloom/taskloom/internal/notifier"
	tlotel "github.com/taskloom/taskloom/internal/otel"
	"github.com/taskloom/taskloom/internal/store"
	"github.com/taskloom/taskloom/internal/telemetry"
	"github.com/taskloom/taskloom/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	if err := audit.Init(env.DataDir); err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logCloser, err := telemetry.NewLogger(env.DataDir, env.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	policy, err := config.LoadPolicy(env.DataDir)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := tlotel.Setup(tlotel.Config{Enabled: env.LogLevel == "debug", ServiceName: "taskloom"})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	eventBus := bus.New(logger)

	dbPath := filepath.Join(env.DataDir, "taskloom.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := config.Apply(ctx, st, policy); err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}

	matcher := guardrail.NewMatcher(st)

	var telegramChannel *channels.Telegram
	var slackChannel *channels.Slack
	chatNotifier := notifier.New(nil, nil) // providers attached below once built

	approvals := approval.New(st, eventBus, matcher, chatNotifier, logger, env.ApprovalExpiry())
	reducer := ingress.New(st, logger)

	if env.TelegramEnabled() {
		telegramChannel, err = channels.NewTelegram(env.TelegramBotToken, reducer, approvals, logger)
		if err != nil {
			logger.Error("telegram channel init failed", "error", err)
		} else {
			chatNotifier.Telegram = telegramChannel
		}
	}
	if env.SlackEnabled() {
		slackChannel, err = channels.NewSlack(env.SlackBotToken, env.SlackAppToken, reducer, approvals, logger)
		if err != nil {
			logger.Error("slack channel init failed", "error", err)
		} else {
			chatNotifier.Slack = slackChannel
		}
	}

	agentRunner := agentturn.NewHTTPRunner(&http.Client{Timeout: 2 * time.Minute}, env.AgentBackendURL)

	w := worker.New(worker.Config{
		Store:           st,
		Matcher:         matcher,
		Approvals:       approvals,
		Runner:          agentRunner,
		Notifier:        chatNotifier,
		Logger:          logger,
		Tracer:          otelProvider.Tracer,
		ApprovalTimeout: env.ApprovalExpiry(),
	})

	disp := dispatcher.New(dispatcher.Config{
		Store:         st,
		Executor:      w,
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Concurrency:   env.WorkerConcurrency,
		PollInterval:  env.PollInterval(),
		LeaseDuration: env.LeaseDuration(),
		ReenqueueMax:  env.ReenqueueMax,
	})
	disp.Start(ctx)
	defer disp.Stop()

	cronSched := cron.New(cron.Config{Store: st, Notifier: chatNotifier, Logger: logger})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	go approvals.RunSweepLoop(ctx, time.Minute)

	if telegramChannel != nil {
		go func() {
			if err := telegramChannel.Run(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}
	if slackChannel != nil {
		go func() {
			if err := slackChannel.Run(ctx); err != nil {
				logger.Error("slack channel stopped", "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(env.DataDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config file changed, reloading policy", "path", ev.Path)
				reloaded, err := config.LoadPolicy(env.DataDir)
				if err != nil {
					logger.Error("reload policy failed", "error", err)
					continue
				}
				if err := config.Apply(ctx, st, reloaded); err != nil {
					logger.Error("apply reloaded policy failed", "error", err)
				}
			}
		}()
	}

	admin := adminapi.New(adminapi.Config{
		Store:      st,
		Approvals:  approvals,
		AgentTurn:  agentRunner,
		Env:        env,
		AdminToken: env.AdminToken,
		Logger:     logger,
	})
	server := &http.Server{Addr: env.AdminAddr, Handler: admin.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "addr", env.AdminAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("admin api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	return nil
}
