// Package bootstrap assembles the running service from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/bot"
	"github.com/3leaps/unreact/internal/config"
	"github.com/3leaps/unreact/internal/metrics"
	"github.com/3leaps/unreact/internal/server"
	"github.com/3leaps/unreact/internal/server/handlers"
	"github.com/3leaps/unreact/pkg/commands"
	"github.com/3leaps/unreact/pkg/locator"
	"github.com/3leaps/unreact/pkg/platform"
	"github.com/3leaps/unreact/pkg/platform/discord"
	"github.com/3leaps/unreact/pkg/registry"
	"github.com/3leaps/unreact/pkg/scheduler"
)

// Startup stages.
const (
	StageConfig   = "config"
	StageRegistry = "registry"
	StageGateway  = "gateway"
	StageEngine   = "engine"
	StageCommands = "commands"
	StageServer   = "server"
)

const readyTimeout = 30 * time.Second

// StartupError reports which stage of Start failed.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Options tunes Start beyond the config.
type Options struct {
	Logger  *zap.Logger
	Version string

	// Gateway replaces the Discord gateway. No session is opened and no
	// slash commands are served.
	Gateway platform.Gateway

	// Registry receives the service metrics. Defaults to a fresh registry
	// with Go and process collectors.
	Registry *prometheus.Registry
}

// Runtime is a started service.
type Runtime struct {
	Store     *registry.Store
	Scheduler *scheduler.Scheduler
	Commands  *commands.Service
	Bot       *bot.Bot
	Server    *server.Server
	Reconcile scheduler.ReconcileReport

	session       *discordgo.Session
	removeHandler func()
	logger        *zap.Logger
}

// Start opens the registry, connects to Discord, restores durable tasks,
// registers slash commands and starts the HTTP server, in that order.
// Anything already started is torn down when a later stage fails.
func Start(ctx context.Context, cfg *config.Config, opts Options) (_ *Runtime, err error) {
	if cfg == nil {
		return nil, &StartupError{Stage: StageConfig, Err: errors.New("config is nil")}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &Runtime{logger: logger}
	defer func() {
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = rt.Shutdown(shutdownCtx)
		}
	}()

	health := handlers.GetHealthManager()
	if health == nil {
		handlers.InitHealthManager(opts.Version)
		health = handlers.GetHealthManager()
	}
	health.MarkStarting()

	// Registry.
	store, err := registry.Open(ctx, registry.Config{
		Path:      cfg.Registry.Path,
		URL:       cfg.Registry.URL,
		AuthToken: cfg.Registry.AuthToken,
	})
	if err != nil {
		return nil, &StartupError{Stage: StageRegistry, Err: err}
	}
	rt.Store = store
	health.RegisterChecker("registry", store)
	logger.Info("Registry opened", zap.String("path", cfg.Registry.Path), zap.Bool("remote", cfg.Registry.URL != ""))

	// Gateway.
	gw := opts.Gateway
	var appID string
	if gw == nil {
		session, id, err := openSession(ctx, cfg.Discord.Token, logger)
		if err != nil {
			return nil, &StartupError{Stage: StageGateway, Err: err}
		}
		rt.session = session
		appID = id
		health.RegisterChecker("discord", handlers.HealthCheckerFunc(func(context.Context) error {
			if !session.DataReady {
				return errors.New("discord gateway not connected")
			}
			return nil
		}))
		gw = discord.New(session, discord.Config{
			RateLimit: cfg.Discord.RateLimit,
			Burst:     cfg.Discord.RateBurst,
		}, logger)
	}

	// Engine.
	var sink metrics.Sink = metrics.NewNoopSink()
	promReg := opts.Registry
	if cfg.Metrics.Enabled {
		if promReg == nil {
			promReg = prometheus.NewRegistry()
			promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		sink = metrics.NewPrometheusSink(promReg, logger)
	}

	loc, err := locator.New(locator.Options{AllowedHosts: cfg.Discord.AllowedHosts})
	if err != nil {
		return nil, &StartupError{Stage: StageEngine, Err: err}
	}
	sched, err := scheduler.New(gw, store, scheduler.Config{
		Interval:         cfg.Cleaner.Interval,
		BreakerThreshold: cfg.Cleaner.BreakerThreshold,
		BreakerCooldown:  cfg.Cleaner.BreakerCooldown,
		FireTimeout:      cfg.Cleaner.FireTimeout,
		Locator:          loc,
		Metrics:          sink,
		Logger:           logger,
	})
	if err != nil {
		return nil, &StartupError{Stage: StageEngine, Err: err}
	}
	rt.Scheduler = sched
	rt.Commands = commands.New(sched, loc, sink, logger)

	report, err := sched.ReconcileOnBoot(ctx)
	if err != nil {
		return nil, &StartupError{Stage: StageEngine, Err: fmt.Errorf("reconcile: %w", err)}
	}
	rt.Reconcile = report

	// Slash commands.
	if rt.session != nil {
		if err := rt.startBot(ctx, cfg, appID); err != nil {
			return nil, err
		}
	}

	// HTTP.
	if cfg.Server.Enabled {
		srvOpts := []server.Option{
			server.WithLogger(logger.Named("http")),
			server.WithTaskLister(sched),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		}
		if cfg.Metrics.Enabled && promReg != nil {
			srvOpts = append(srvOpts, server.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
		}
		srv := server.New(cfg.Server.Host, cfg.Server.Port, srvOpts...)
		if err := srv.Start(); err != nil {
			return nil, &StartupError{Stage: StageServer, Err: err}
		}
		rt.Server = srv
	}

	health.MarkStarted()
	return rt, nil
}

func openSession(ctx context.Context, token string, logger *zap.Logger) (*discordgo.Session, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", errors.New("discord token is not set (UNREACT_DISCORD_TOKEN)")
	}
	token = strings.TrimPrefix(token, "Bot ")

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, "", fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	ready := make(chan string, 1)
	remove := session.AddHandlerOnce(func(_ *discordgo.Session, r *discordgo.Ready) {
		id := r.User.ID
		if r.Application != nil && r.Application.ID != "" {
			id = r.Application.ID
		}
		ready <- id
	})

	if err := session.Open(); err != nil {
		remove()
		return nil, "", fmt.Errorf("open discord gateway: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	select {
	case appID := <-ready:
		logger.Info("Connected to Discord", zap.String("application_id", appID))
		return session, appID, nil
	case <-ctx.Done():
		remove()
		_ = session.Close()
		return nil, "", fmt.Errorf("wait for discord ready: %w", ctx.Err())
	}
}

func (rt *Runtime) startBot(ctx context.Context, cfg *config.Config, appID string) error {
	b := bot.New(context.WithoutCancel(ctx), rt.session, rt.Commands, bot.Config{
		GuildID:  cfg.Discord.GuildID,
		Interval: rt.Scheduler.Interval(),
	}, rt.logger)
	rt.Bot = b
	rt.removeHandler = rt.session.AddHandler(b.OnInteraction)

	if !cfg.Discord.RegisterCommands {
		return nil
	}
	if err := b.RegisterCommands(appID); err != nil {
		return &StartupError{Stage: StageCommands, Err: err}
	}
	return nil
}

// Shutdown stops components in reverse start order and returns the first
// error. It is safe on a partially started Runtime.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if rt.Server != nil {
		errs = append(errs, rt.Server.Shutdown(ctx))
	}
	if rt.removeHandler != nil {
		rt.removeHandler()
	}
	if rt.Bot != nil {
		errs = append(errs, rt.Bot.Close(ctx))
	}
	if rt.session != nil {
		errs = append(errs, rt.session.Close())
	}
	if rt.Scheduler != nil {
		errs = append(errs, rt.Scheduler.Shutdown(ctx))
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}

	for _, err := range errs {
		if err != nil {
			if rt.logger != nil {
				rt.logger.Warn("Shutdown step failed", zap.Error(err))
			}
			return err
		}
	}
	return nil
}
