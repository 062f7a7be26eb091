// Package core wires the leaf components — MCPConfigInjector,
// HistoryStore, SessionManager, MessageQueue — into the single
// composition root the transport binds against (spec §2/§9: "replace
// module-level mutable state with an explicit Core composition root that
// owns SessionManager, MessageQueue, HistoryStore and is passed by
// reference to the transport binding").
package core

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/zette-dev/natron/internal/config"
	"github.com/zette-dev/natron/internal/events"
	"github.com/zette-dev/natron/internal/history"
	"github.com/zette-dev/natron/internal/mcpconfig"
	"github.com/zette-dev/natron/internal/process"
	"github.com/zette-dev/natron/internal/queue"
	"github.com/zette-dev/natron/internal/session"
	"github.com/zette-dev/natron/internal/workdir"
)

// Core owns every long-lived subsystem and is the only thing the
// transport layer is constructed with.
type Core struct {
	log *zap.SugaredLogger
	cfg *config.Config

	History  *history.Store
	Sessions *session.Manager
	Queue    *queue.Queue
}

// New composes the system in the startup order spec §2 requires:
// MCPConfigInjector → HistoryStore → SessionManager (which creates and
// spawns the default Session) → MessageQueue. Transport binding happens
// outside of New, once the caller has a Core to hand the bot.
func New(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, observer events.Observer) (*Core, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if observer == nil {
		observer = events.NoopObserver{}
	}

	if err := mcpconfig.Inject(log, mcpconfig.Config{
		NotionToken:     cfg.MCP.NotionToken,
		LauncherCommand: cfg.MCP.LauncherCommand,
		LauncherArgs:    cfg.MCP.LauncherArgs,
		TokenEnvVar:     cfg.MCP.TokenEnvVar,
		ConfigPath:      cfg.MCP.AssistantConfigPath,
	}); err != nil {
		// Non-fatal per spec §4.7: the assistant still runs without MCP
		// access to Notion, just with a degraded feature set.
		log.Warnw("mcp config injection failed, continuing without it", "error", err)
	}

	hist, err := history.Open(log, cfg.History.DBPath, cfg.History.RingSize)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	alloc := workdir.New(cfg.Workspaces.BasePath)
	factory := driverFactory(log, cfg)
	policy := session.Policy{
		RespawnWindow:     cfg.Session.RespawnWindow,
		RespawnThreshold:  cfg.Session.RespawnThreshold,
		GracefulClose:     cfg.Session.GracefulClose,
		ForceCloseTimeout: cfg.Session.ForceCloseTimeout,
	}

	mgr := session.NewManager(log, alloc, factory, policy, observer, cfg.Session.DefaultName, cfg.Session.MaxSessions)
	if err := mgr.CreateDefault(ctx); err != nil {
		hist.Close()
		return nil, fmt.Errorf("create default session: %w", err)
	}

	q := queue.New(log, queue.Config{
		Workers:        cfg.Queue.Workers,
		DepthLimit:     cfg.Queue.DepthLimit,
		AskTimeout:     cfg.Session.AskTimeout,
		RetainFinished: cfg.Queue.RetainFinished,
	}, mgr, hist, observer, nil)

	return &Core{
		log:      log,
		cfg:      cfg,
		History:  hist,
		Sessions: mgr,
		Queue:    q,
	}, nil
}

// BindDeliverer attaches the transport's outbound callback once it
// exists. The transport typically needs the Core to enqueue inbound
// jobs, so this two-step wiring breaks the construction cycle.
func (c *Core) BindDeliverer(d queue.Deliverer) {
	c.Queue.SetDeliverer(d)
}

// Shutdown tears the system down in reverse of New's order: queue, then
// sessions, then the history store.
func (c *Core) Shutdown(ctx context.Context) {
	c.Queue.Shutdown(ctx)
	c.Sessions.Shutdown()
	if err := c.History.Close(); err != nil {
		c.log.Warnw("history store close failed", "error", err)
	}
}

// driverFactory builds the session.DriverFactory that spawns the
// assistant CLI child process for a given session's workdir.
func driverFactory(log *zap.SugaredLogger, cfg *config.Config) session.DriverFactory {
	return func(ctx context.Context, wd string) (process.Driver, error) {
		args := append([]string{}, cfg.Assistant.ExtraArgs...)
		if cfg.Assistant.Model != "" {
			args = append(args, "--model", cfg.Assistant.Model)
		}
		return process.Spawn(ctx, log, wd, cfg.Assistant.BinaryPath, args, os.Environ())
	}
}
