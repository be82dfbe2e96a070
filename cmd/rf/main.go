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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"reportflow/internal/app"
	"reportflow/internal/config"
	"reportflow/internal/db"
	"reportflow/internal/domain"
	"reportflow/internal/engine"
	"reportflow/internal/repo"
	"reportflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "reportflow CLI",
	Long: `reportflow runs projects and weekly reports through an approval pipeline.
- Drafts are submitted by their creator and analyzed by an AI provider.
- A confident, positive analysis sends the item to admin review; anything else returns it to the creator, who may edit and resubmit or force it to admin review.
- Admins (or managers) approve or reject; approval escalates to a super admin or finalizes, depending on approval.require_super_admin.
- Every transition is a compare-and-set on the stored status, so a late reviewer gets "already reviewed" instead of overwriting a decision.
- Workspace: the .reportflow directory holds the database; reportflow.yml next to it holds the config.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	// .env is optional
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPORTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json (overrides log.format)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in reportflow.yml in the workspace. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate reportflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reportflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- actors ---

func actorCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "actor",
		Short: "Manage actors and their roles",
		Long:  "Roles: submitter, manager, admin, super_admin. Roles are looked up here for every operation; credentials only identify the actor.",
	}
	act.AddCommand(actorAddCmd())
	act.AddCommand(actorListCmd())
	act.AddCommand(actorKeyCmd())
	return act
}

func actorAddCmd() *cobra.Command {
	var id, role, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an actor or change its role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterActor(ctx, id, role, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "submitter", "submitter|manager|admin|super_admin")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actors, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := newTable("ID", "Role", "Name", "Created")
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Role, a.DisplayName, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actorKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(actorKeyCreateCmd())
	key.AddCommand(actorKeyListCmd())
	key.AddCommand(actorKeyRevokeCmd())
	return key
}

func actorKeyCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, plain, err := e.CreateAPIKey(ctx, id, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": k, "key": plain})
				}
				fmt.Printf("key id: %s\nkey:    %s\n", k.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actorKeyListCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id filter")
	return cmd
}

func actorKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- artifacts ---

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:     "artifact",
		Aliases: []string{"a"},
		Short:   "Manage projects and weekly reports",
		Long: `Statuses: DRAFT -> SUBMITTED -> AI_ANALYZING -> ADMIN_REVIEWING -> ADMIN_APPROVED -> SUPER_ADMIN_REVIEWING -> FINAL_APPROVED.
AI_REJECTED, ADMIN_REJECTED and SUPER_ADMIN_REJECTED return the item to its creator with a reason.`,
	}
	art.AddCommand(artifactCreateCmd())
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactShowCmd())
	art.AddCommand(artifactEditCmd())
	art.AddCommand(artifactSubmitCmd())
	art.AddCommand(artifactForceSubmitCmd())
	art.AddCommand(artifactReviewCmd())
	art.AddCommand(artifactStatusCmd())
	art.AddCommand(artifactHistoryCmd())
	return art
}

func artifactCreateCmd() *cobra.Command {
	var opts engine.ArtifactCreateOptions
	var contentFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				opts.Content = string(data)
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "artifact id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", domain.KindProject, "project|weekly_report")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Content, "content", "", "content")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read content from file")
	cmd.Flags().StringVar(&opts.WeekStart, "week-start", "", "YYYY-MM-DD, weekly reports only")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var f repo.ArtifactFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Title", "Status", "Creator", "Reason")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.Title, a.ApprovalStatus, a.CreatorID, deref(a.RejectionReason)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "approval status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator-id", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func artifactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetArtifact(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func artifactEditCmd() *cobra.Command {
	var title, content, contentFile, weekStart string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a draft or rejected artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ArtifactEditOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				content = string(data)
				opts.Content = &content
			} else if cmd.Flags().Changed("content") {
				opts.Content = &content
			}
			if cmd.Flags().Changed("week-start") {
				opts.WeekStart = &weekStart
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.EditArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new content")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read new content from file")
	cmd.Flags().StringVar(&weekStart, "week-start", "", "new week start")
	return cmd
}

func artifactSubmitCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit for AI analysis",
		Long:  "Submits the artifact and queues its analysis. The command exits after the local analysis finishes; --wait also prints the resulting status.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SubmitArtifact(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(res.Artifact)
				}
				if res.Job.Done != nil {
					select {
					case <-res.Job.Done:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				view, err := a.Engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the analysis outcome")
	return cmd
}

func artifactForceSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-submit <id>",
		Short: "Send an AI-rejected artifact to admin review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ForceSubmit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func artifactReviewCmd() *cobra.Command {
	var approve, reject bool
	var comment string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve or reject at your review stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Review(ctx, engine.ReviewOptions{
					ArtifactID: args[0],
					ActorID:    viper.GetString("actor-id"),
					Approve:    approve,
					Comment:    comment,
				})
				if errors.Is(err, engine.ErrStaleTransition) {
					return errors.New("this item was already reviewed")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject")
	cmd.Flags().StringVar(&comment, "comment", "", "rejection reason")
	return cmd
}

func artifactStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show approval status and latest analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := newTable("Field", "Value")
				tw.AppendRow(table.Row{"status", view.ApprovalStatus})
				tw.AppendRow(table.Row{"reason", deref(view.RejectionReason)})
				if rec := view.LatestAnalysis; rec != nil {
					conf := ""
					if rec.Confidence != nil {
						conf = fmt.Sprintf("%.2f", *rec.Confidence)
					}
					tw.AppendRow(table.Row{"analysis", rec.ID})
					tw.AppendRow(table.Row{"analysis status", rec.Status})
					tw.AppendRow(table.Row{"confidence", conf})
					tw.AppendRow(table.Row{"provider", rec.ProviderID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func artifactHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the event log of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.ArtifactHistory(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable("TS", "Type", "Actor", "Payload")
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "max events (0 = all)")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, true, func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowActorHeader,
					EnableDevLogin:         devLogin,
					Logger:                 a.Log.Named("auth"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("REPORTFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					a.Log.Info("shutting down server")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						a.Log.Error("server forced to shutdown", zap.Error(err))
					}
				}()
				a.Log.Info("serving reportflow API",
					zap.String("addr", addr), zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"), zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (default from server.base_path)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local development)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "serve POST /auth/dev/login, which mints tokens without credentials (local development)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	format := cfg.Log.Format
	if v := viper.GetString("log-format"); v != "" {
		format = v
	}
	return app.NewLogger(level, format)
}

// withApp opens the workspace with a running analysis orchestrator. The
// orchestrator queue is drained before it returns.
func withApp(ctx context.Context, recoverJobs bool, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    log,
		Recover:   recoverJobs,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, false, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, false, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine.Repo)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
