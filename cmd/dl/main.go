package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"draftline/internal/app"
	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/server"
	"draftline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Draftline CLI",
	Long: `Draftline orchestrates AI writing agents through a four-phase content workflow.
Core concepts:
- Workspace: your .draftline directory holding the SQLite database; draftline.yml next to it configures agents, limits, and routing.
- Project: one piece of content moving through IDEATION -> REFINEMENT -> MEDIA -> FACTCHECK; exactly one phase is active at a time.
- Agents: ideation, refiner, media, and factchecker variants, each declaring phases, content types, and a context window.
- Routing: rules pick the agent for the active phase by priority; without a match the phase default applies.
- Admission: per-user rate windows and daily budgets decide whether a request runs at all; denied requests never reach an agent.
- Conversations: dispatches thread into conversations so agents see recent history.
- Event log: every transition, dispatch, and admission decision lands in the audit log ('dl events tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("DRAFTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(limitsCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(eventsCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", path)
			}
			fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.New(app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer a.Close()
			if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
				addr = a.Config.Server.Addr
			}
			if a.Config.Server.JWTSecret == "" && !a.Config.Server.AllowLegacyUserHeader {
				a.Logger.Warn("no jwt secret configured; only API key auth will be accepted")
			}
			handler, err := server.New(server.Config{
				App:      a,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             a.Config.Server.JWTSecret,
					AllowLegacyUserHeader: a.Config.Server.AllowLegacyUserHeader,
					Logger:                a.Logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Draftline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, title, content string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				p, _, err := a.Workflow.InitProject(ctx, workflow.ProjectCreateOptions{
					ID:      id,
					OwnerID: viper.GetString("user"),
					Title:   title,
					Content: content,
				})
				if err != nil {
					return err
				}
				return printJSONOrValue(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&content, "content", "", "initial draft content")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects owned by the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjectsByOwner(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				return errProjectRequired
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrValue(p)
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Drive the phase state machine",
		Long:  "Phases move forward with next (completing the current one), backward with previous (resetting it), or jump with skip. At FACTCHECK another next finishes the project.",
	}
	wf.AddCommand(workflowStateCmd())
	wf.AddCommand(workflowNextCmd())
	wf.AddCommand(workflowPreviousCmd())
	wf.AddCommand(workflowSkipCmd())
	wf.AddCommand(workflowCompleteCmd())
	wf.AddCommand(workflowProgressCmd())
	return wf
}

func workflowStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the workflow state",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProjectID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				st, err := a.Workflow.GetState(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Project: %s (%s)\n", st.ProjectID, st.ProjectStatus)
				fmt.Printf("Current phase: %s\n", st.CurrentPhase.Type)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Status", "Completed At"})
				for _, ph := range st.Phases {
					completed := ""
					if ph.CompletedAt != nil {
						completed = *ph.CompletedAt
					}
					tw.AppendRow(table.Row{ph.Type, ph.Status, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowNextCmd() *cobra.Command {
	return workflowStepCmd("next", "Complete the current phase and advance", func(ctx context.Context, a *app.App, projectID string) (domain.WorkflowState, error) {
		return a.Workflow.Next(ctx, projectID, viper.GetString("user"))
	})
}

func workflowPreviousCmd() *cobra.Command {
	return workflowStepCmd("previous", "Step back to the prior phase", func(ctx context.Context, a *app.App, projectID string) (domain.WorkflowState, error) {
		return a.Workflow.Previous(ctx, projectID, viper.GetString("user"))
	})
}

func workflowCompleteCmd() *cobra.Command {
	return workflowStepCmd("complete", "Mark the current phase completed and advance", func(ctx context.Context, a *app.App, projectID string) (domain.WorkflowState, error) {
		return a.Workflow.Complete(ctx, projectID, viper.GetString("user"))
	})
}

func workflowSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <phase>",
		Short: "Jump to a phase without transition validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProjectID()
			if err != nil {
				return err
			}
			target := strings.ToUpper(strings.TrimSpace(args[0]))
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				st, err := a.Workflow.SkipTo(ctx, projectID, target, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printWorkflowStep(st)
			})
		},
	}
	return cmd
}

func workflowProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show workflow progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProjectID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				pr, err := a.Workflow.Progress(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pr)
				}
				fmt.Printf("%d of %d phases completed (%.0f%%)\n", pr.CompletedPhases, pr.TotalPhases, pr.ProgressPercentage)
				return nil
			})
		},
	}
	return cmd
}

func workflowStepCmd(use, short string, step func(context.Context, *app.App, string) (domain.WorkflowState, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProjectID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				st, err := step(ctx, a, projectID)
				if err != nil {
					return err
				}
				return printWorkflowStep(st)
			})
		},
	}
	return cmd
}

func printWorkflowStep(st domain.WorkflowState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("Now at %s (%d of %d completed)\n", st.CurrentPhase.Type, len(st.Completed), len(st.Phases))
	return nil
}

func dispatchCmd() *cobra.Command {
	var content, conversation, contentType, priorContext string
	var stub bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one request through the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := requireProjectID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), stub, func(ctx context.Context, a *app.App) error {
				resp, err := a.Dispatcher.ProcessRequest(ctx, domain.AgentRequest{
					UserID:         viper.GetString("user"),
					ProjectID:      projectID,
					ConversationID: conversation,
					Content:        content,
					ContentType:    contentType,
					PriorContext:   priorContext,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Printf("[%s via %s] %dms, $%.4f, conversation %s\n\n", resp.AgentVariant, resp.Model, resp.ProcessingMS, resp.CostUSD, resp.ConversationID)
				fmt.Println(resp.Content)
				for _, s := range resp.Suggestions {
					fmt.Printf("  - (%s) %s\n", s.Type, s.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "request content")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id to continue")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (text, image, structured)")
	cmd.Flags().StringVar(&priorContext, "prior-context", "", "extra context for the agent")
	cmd.Flags().BoolVar(&stub, "stub", false, "use the stub completion backend")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func limitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show the admission snapshot for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				snap := a.Guard.Snapshot(viper.GetString("user"))
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Rate window: %d/%d (resets %s)\n", snap.WindowCount, snap.WindowMax, snap.WindowResetAt.Format(time.RFC3339))
				fmt.Printf("Daily spend: $%.4f of $%.2f (resets %s)\n", snap.DailySpentUSD, snap.DailyBudgetUSD, snap.DailyResetAt.Format(time.RFC3339))
				fmt.Printf("In flight: %d/%d, trust bonus: %d\n", snap.InFlight, snap.MaxConcurrent, snap.TrustBonus)
				return nil
			})
		},
	}
	return cmd
}

func usageCmd() *cobra.Command {
	var agentVariant, since string
	var allUsers bool
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Aggregate usage per agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.UsageFilter{
				UserID:       viper.GetString("user"),
				ProjectID:    viper.GetString("project"),
				AgentVariant: agentVariant,
				Since:        since,
			}
			if allUsers {
				f.UserID = ""
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sums, err := r.AggregateUsage(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sums)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Requests", "Prompt", "Completion", "Cost USD", "Avg ms"})
				for _, s := range sums {
					tw.AppendRow(table.Row{s.AgentVariant, s.Requests, s.PromptTokens, s.CompletionTokens, fmt.Sprintf("%.4f", s.CostUSD), fmt.Sprintf("%.0f", s.AvgLatencyMS)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentVariant, "agent", "", "agent variant filter")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().BoolVar(&allUsers, "all-users", false, "aggregate across all users")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "dl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				UserID:  viper.GetString("user"),
				Name:    name,
				KeyHash: repo.HashAPIKey(raw),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "user_id": key.UserID, "name": key.Name, "key": raw})
				}
				fmt.Printf("Created key %s. Save the secret now; only its hash is stored:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked")
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrValue(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate draftline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Audit event log"}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, viper.GetString("project"), evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

var errProjectRequired = errors.New("project not specified; use --project or set DRAFTLINE_PROJECT")

func requireProjectID() (string, error) {
	projectID := strings.TrimSpace(viper.GetString("project"))
	if projectID == "" {
		return "", errProjectRequired
	}
	return projectID, nil
}

func withApp(ctx context.Context, stub bool, fn func(context.Context, *app.App) error) error {
	a, err := app.New(app.Options{Workspace: viper.GetString("workspace"), Stub: stub})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrValue(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
