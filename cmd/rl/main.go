package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"replayline/internal/app"
	"replayline/internal/config"
	"replayline/internal/db"
	"replayline/internal/domain"
	"replayline/internal/events"
	"replayline/internal/migrate"
	"replayline/internal/replay"
	"replayline/internal/repo"
	"replayline/internal/server"
	"replayline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Replayline CLI",
	Long: `Replayline runs a deterministic execution pipeline over a shared public directory.
- Requests are staged as one pending JSON file and fingerprinted over their semantic content.
- Consuming a request never throws: failures become visible error artifacts.
- Every pass appends to NDJSON history; "current" files are overwritten atomically.
- An evaluator independently re-checks each successful result against on-disk truth.
- Any historical request can be replayed through the live pipeline by fingerprint or index.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPLAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("public", "", "public directory (overrides replayline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("public", rootCmd.PersistentFlags().Lookup("public"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(executionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func publicDir() string {
	if p := viper.GetString("public"); p != "" {
		return p
	}
	if cfg, err := config.LoadOptional(viper.GetString("workspace")); err == nil && cfg != nil {
		return cfg.Pipeline.PublicDir
	}
	return store.DefaultPublicDir
}

func newRuntime(source string) (app.Runtime, error) {
	return app.NewRuntime(publicDir(), source, nil)
}

func submitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Stage an execution request",
		Long:  "Reads a request object from --file (or stdin), stamps transport metadata, overwrites the pending request, and appends it to the request history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file != "" {
				data, err = os.ReadFile(file)
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.UseNumber()
			var raw map[string]any
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("request must be a JSON object: %w", err)
			}
			rt, err := newRuntime("cli")
			if err != nil {
				return err
			}
			stored, hash, err := rt.Intake.Submit(cmd.Context(), raw)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"request_hash": hash, "request": stored})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "request JSON file (defaults to stdin)")
	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume the pending request",
		Long:  "Runs one pipeline pass. Input and execution failures are recorded as error artifacts and still exit 0; only internal invariant breaches fail the command.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime("cli")
			if err != nil {
				return err
			}
			result, err := rt.Consumer.Consume(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Re-evaluate the current execution result",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime("cli")
			if err != nil {
				return err
			}
			evaluation, err := rt.Consumer.Evaluator.Consume(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(evaluation)
		},
	}
}

func replayCmd() *cobra.Command {
	var requestHash string
	var index int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a historical request",
		Long:  "Selects an entry from the request history (by fingerprint, by index, or the most recent), re-stages it, and runs the pipeline. Current artifacts get a _replay marker; history lines never do.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime("cli")
			if err != nil {
				return err
			}
			opts := replay.Options{RequestHash: requestHash}
			if cmd.Flags().Changed("index") {
				opts.Index = &index
			}
			out, err := rt.Replay.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"selected_request_hash":          out.SelectedHash,
				"selected_index":                 out.SelectedIndex,
				"malformed_ndjson_lines_ignored": out.MalformedLines,
				"result":                         out.Result,
			})
		},
	}
	cmd.Flags().StringVar(&requestHash, "request-hash", "", "replay the first entry with this fingerprint")
	cmd.Flags().IntVar(&index, "index", 0, "replay the entry at this history position")
	return cmd
}

func historyCmd() *cobra.Command {
	hist := &cobra.Command{Use: "history", Short: "Read NDJSON history logs"}
	hist.AddCommand(historySubCmd("requests", "Request history", func(s store.Store) string { return s.RequestHistoryPath() }))
	hist.AddCommand(historySubCmd("results", "Result history", func(s store.Store) string { return s.ResultHistoryPath() }))
	hist.AddCommand(historySubCmd("evaluations", "Evaluation history", func(s store.Store) string { return s.EvaluationHistoryPath() }))
	return hist
}

func historySubCmd(use, short string, path func(store.Store) string) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.New(publicDir())
			if err != nil {
				return err
			}
			entries, malformed, err := s.ReadNDJSON(path(s))
			if err != nil {
				return err
			}
			if n > 0 && len(entries) > n {
				entries = entries[len(entries)-n:]
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"entries": entries, "malformed_ndjson_lines_ignored": malformed})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Task", "Status", "Hash"})
			for i, e := range entries {
				taskID := historyTaskID(e)
				status, _ := e["status"].(string)
				hash, _ := e["request_hash"].(string)
				tw.AppendRow(table.Row{i, taskID, status, shorten(hash)})
			}
			tw.Render()
			if malformed > 0 {
				fmt.Printf("%d malformed line(s) ignored\n", malformed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func historyTaskID(e map[string]any) string {
	if id, ok := e["task_id"].(string); ok {
		return id
	}
	if req, ok := e["request"].(map[string]any); ok {
		if id, ok := req["task_id"].(string); ok {
			return id
		}
	}
	return ""
}

func shorten(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if name == "" {
					name = args[0]
				}
				p := domain.Project{
					ID:          args[0],
					Name:        name,
					Status:      "active",
					PublicDir:   publicDir(),
					Description: description,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				w := events.Writer{DB: r.DB}
				if err := w.Append(ctx, "project.created", p.ID, "project", p.ID, nil); err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := r.CountExecutionsByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"project": p, "execution_counts": counts})
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProject(ctx, args[0])
			})
		},
	}
}

func executionsCmd() *cobra.Command {
	var projectID, status, requestHash string
	var limit int
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List indexed executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, repo.ExecutionFilters{
					ProjectID:   projectID,
					Status:      status,
					RequestHash: requestHash,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Status", "Eval", "Replayed", "Hash"})
				for _, e := range items {
					tw.AppendRow(table.Row{shorten(e.ID), e.TaskID, e.Status, e.EvaluationStatus, e.Replayed, shorten(e.RequestHash)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (success|error)")
	cmd.Flags().StringVar(&requestHash, "request-hash", "", "fingerprint filter")
	cmd.Flags().IntVar(&limit, "n", 50, "number of rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default replayline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault(publicDir())), 0o644)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(publicDir())
			}
			return printJSON(cfg)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			rt, err := app.NewRuntime(publicDir(), "http", logger)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Runtime:  rt,
				Repo:     repo.Repo{DB: conn},
				Events:   events.Writer{DB: conn},
				BasePath: basePath,
				Log:      logger,
			})
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
			fmt.Printf("Serving Replayline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
