package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"draftline/internal/admission"
	"draftline/internal/agent"
	"draftline/internal/completion"
	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/dispatch"
	"draftline/internal/logging"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/routing"
	"draftline/internal/workflow"
)

// Options selects the workspace and optional pre-built pieces. A nil Config
// loads draftline.yml from the workspace, falling back to defaults.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger

	// Stub forces the deterministic in-process completion service regardless
	// of the completion config. The CLI wires --stub through here.
	Stub bool
}

// App owns every long-lived component and the order they shut down in.
// Both the HTTP server and the CLI build one of these.
type App struct {
	Workspace  string
	Config     *config.Config
	Logger     *slog.Logger
	DB         *sql.DB
	Repo       repo.Repo
	Workflow   workflow.Engine
	Registry   *agent.Registry
	Agents     map[string]agent.Agent
	Router     *routing.Engine
	Guard      *admission.Guard
	Completion completion.Service
	Dispatcher *dispatch.Dispatcher
}

// New opens the workspace database, runs migrations, and wires the
// registry, router, guard, and dispatcher from config.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Logging.Level)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}

	registry, err := agent.NewRegistryFromConfig(cfg.Agents)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var svc completion.Service
	if opts.Stub || cfg.Completion.Stub {
		svc = &completion.StubService{Model: cfg.Completion.Model}
	} else {
		svc = completion.NewHTTPService(cfg.Completion)
	}
	agents, err := agent.BuildAll(registry, svc)
	if err != nil {
		conn.Close()
		return nil, err
	}

	router := routing.NewEngine(registry)
	router.AddFromConfig(cfg.Routing)

	guard := admission.New(admission.ConfigFrom(cfg.Limits))
	guard.LimitsFor = func(userID string) (*float64, *int) {
		u, err := r.GetUser(context.Background(), userID)
		if err != nil {
			return nil, nil
		}
		return u.DailyBudgetUSD, u.RateLimitMax
	}
	guard.Start()

	eng := workflow.New(conn)

	d := dispatch.New(dispatch.Deps{
		DB:         conn,
		Workflow:   eng,
		Registry:   registry,
		Agents:     agents,
		Router:     router,
		Guard:      guard,
		Completion: svc,
		Logger:     logger,
		Config:     cfg.Dispatch,
	})

	return &App{
		Workspace:  opts.Workspace,
		Config:     cfg,
		Logger:     logger,
		DB:         conn,
		Repo:       r,
		Workflow:   eng,
		Registry:   registry,
		Agents:     agents,
		Router:     router,
		Guard:      guard,
		Completion: svc,
		Dispatcher: d,
	}, nil
}

// Close stops the guard sweeper and closes the database.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.Guard != nil {
		a.Guard.Stop()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
