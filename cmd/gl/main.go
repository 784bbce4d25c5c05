package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"genline/internal/config"
	"genline/internal/db"
	"genline/internal/domain"
	"genline/internal/engine"
	"genline/internal/migrate"
	"genline/internal/repo"
	"genline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Genline CLI",
	Long: `Genline runs multi-stage text-generation pipelines: a brief goes in, a
design document, an implementation plan, per-phase details, and a handoff
come out. Every stage transition is checkpointed, so interrupted runs
resume where they stopped.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GENLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage pipeline runs"}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runResumeCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runRetryCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var name, briefContext string
	var languages, requirements []string
	var follow bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a run and execute it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				brief := domain.Brief{
					Name:         name,
					Languages:    languages,
					Requirements: requirements,
					Context:      briefContext,
				}
				run, err := e.StartRun(ctx, brief, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("run %s started (%d stages)\n", run.ID, len(run.Stages))
				pauseOnInterrupt(ctx, e, run.ID)
				if follow {
					followRun(ctx, e, run.ID)
				}
				if err := e.Wait(run.ID); err != nil {
					return err
				}
				final, err := e.GetRun(context.Background(), run.ID)
				if err != nil {
					return err
				}
				return printRun(final)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringSliceVar(&languages, "lang", nil, "target languages")
	cmd.Flags().StringSliceVar(&requirements, "req", nil, "requirements, repeatable")
	cmd.Flags().StringVar(&briefContext, "context", "", "free-form context")
	cmd.Flags().BoolVar(&follow, "follow", false, "print events while the run executes")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, repo.RunFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "NAME", "STATUS", "CREATED", "ERROR"})
				for _, run := range runs {
					t.AppendRow(table.Row{run.ID, run.Brief.Name, run.Status, run.CreatedAt, run.LastError})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "n", 50, "maximum runs")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	return cmd
}

func runResumeCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.ResumeRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("run %s resumed\n", run.ID)
				pauseOnInterrupt(ctx, e, run.ID)
				if follow {
					followRun(ctx, e, run.ID)
				}
				if err := e.Wait(run.ID); err != nil {
					return err
				}
				final, err := e.GetRun(context.Background(), run.ID)
				if err != nil {
					return err
				}
				return printRun(final)
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "print events while the run executes")
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.CancelRun(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				run, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	return cmd
}

func runRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <run-id> <stage-id>",
		Short: "Re-run a failed or completed stage and rebuild downstream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.RetryStage(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				pauseOnInterrupt(ctx, e, run.ID)
				if err := e.Wait(run.ID); err != nil {
					return err
				}
				final, err := e.GetRun(context.Background(), run.ID)
				if err != nil {
					return err
				}
				return printRun(final)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "TYPE", "RUN", "ENTITY", "ACTOR"})
				for _, evt := range events {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RunID, evt.EntityID, evt.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, raw, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				fmt.Printf("created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("secret (shown once): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED"})
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default genline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("GENLINE_JWT_SECRET"),
				Disabled:  noAuth,
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Genline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// pauseOnInterrupt pauses the foreground run when the command context is
// cancelled (Ctrl+C), so interrupted runs checkpoint cleanly and stay
// resumable instead of being left mid-flight.
func pauseOnInterrupt(ctx context.Context, e *engine.Engine, runID string) {
	go func() {
		<-ctx.Done()
		_ = e.PauseRun(context.Background(), runID)
	}()
}

// followRun tails the event log for a run until it goes terminal, printing
// one line per event.
func followRun(ctx context.Context, e *engine.Engine, runID string) {
	var cursor int64
	for {
		events, err := e.Repo.EventsAfter(ctx, 100, cursor, runID)
		if err != nil {
			return
		}
		for _, evt := range events {
			fmt.Printf("  %s %s %s\n", evt.TS, evt.Type, evt.EntityID)
			cursor = evt.ID
		}
		run, err := e.GetRun(ctx, runID)
		if err != nil || domain.TerminalRun(run.Status) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func printRun(run domain.Run) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("run %s  %s  %s\n", run.ID, run.Brief.Name, run.Status)
	if run.LastError != "" {
		fmt.Printf("  error: %s\n", run.LastError)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"STAGE", "KIND", "STATUS", "ATTEMPTS", "DEPENDS ON", "ERROR"})
	ids := make([]string, 0, len(run.Stages))
	for id := range run.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := run.Stages[id]
		t.AppendRow(table.Row{st.ID, st.Kind, st.Status, st.AttemptCount, strings.Join(st.DependsOn, ","), st.LastError})
	}
	t.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
