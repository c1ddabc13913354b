package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"spycat/internal/app"
	"spycat/internal/config"
	"spycat/internal/db"
	"spycat/internal/domain"
	"spycat/internal/engine"
	"spycat/internal/migrate"
	"spycat/internal/repo"
	"spycat/internal/server"
	"spycat/internal/webhooks"
)

var rootCmd = &cobra.Command{
	Use:   "spycat",
	Short: "Spy Cat Agency CLI",
	Long: `spycat manages spy cats, their missions and the targets on each mission.
- Cats: hired with a breed the breed catalogue recognizes; only salary changes afterwards.
- Missions: one to three targets, created together; a mission takes at most one cat.
- Targets: notes can be edited until the target or its mission is completed.
- Completing the last target completes the mission and frees its cat.
- Event log: every change is recorded, view it with 'spycat events'.`,
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
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPYCAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/spycat.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("db-driver", "", "database driver: sqlite or postgres")
	flags.String("db-dsn", "", "database DSN (required for postgres)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("breeds-source", "", "breed validator: catapi or static")
	for _, name := range []string{"workspace", "config", "json", "db-driver", "db-dsn", "log-level", "log-format", "breeds-source"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(catCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(eventsCmd())
}

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"), app.Overrides{
		DBDriver:     viper.GetString("db-driver"),
		DBDSN:        viper.GetString("db-dsn"),
		LogLevel:     viper.GetString("log-level"),
		LogFormat:    viper.GetString("log-format"),
		BreedsSource: viper.GetString("breeds-source"),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Warn("close runtime", "err", err)
		}
	}()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Metrics:  rt.Metrics,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				if hooks := webhooks.New(rt.Engine.Repo, rt.Config.Webhooks); hooks != nil {
					hooks.Metrics = rt.Metrics
					hooks.Logger = rt.Logger
					hooksCtx, stopHooks := context.WithCancel(ctx)
					hooksDone := make(chan struct{})
					go func() {
						defer close(hooksDone)
						hooks.Run(hooksCtx)
					}()
					defer func() {
						stopHooks()
						<-hooksDone
					}()
					rt.Logger.Info("webhook dispatcher started", "hooks", len(hooks.Hooks))
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving spy cat API",
					"url", fmt.Sprintf("http://%s%s", addr, basePath),
					"openapi", basePath+"/openapi.json",
					"docs", "/docs",
					"metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := migrate.Version(rt.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"driver": rt.Dialect, "version": v})
				}
				fmt.Printf("%s schema at version %d\n", rt.Dialect, v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage spycat.yml",
		Long:  "spycat.yml holds the server, database, breed catalogue, log and telemetry settings. It is optional; defaults apply when it is missing.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default spycat.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if cfg.Breeds.APIKey != "" {
				cfg.Breeds.APIKey = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveConfig()
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

func catCmd() *cobra.Command {
	c := &cobra.Command{Use: "cat", Short: "Manage spy cats"}
	c.AddCommand(catCreateCmd())
	c.AddCommand(catListCmd())
	c.AddCommand(catGetCmd())
	c.AddCommand(catSalaryCmd())
	c.AddCommand(catDeleteCmd())
	return c
}

func catCreateCmd() *cobra.Command {
	var opts engine.CatCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Hire a cat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCat(ctx, opts)
				if err != nil {
					return err
				}
				return printCats(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "cat name")
	cmd.Flags().IntVar(&opts.ExperienceYears, "experience", 0, "years of experience")
	cmd.Flags().StringVar(&opts.Breed, "breed", "", "breed, checked against the breed catalogue")
	cmd.Flags().Float64Var(&opts.Salary, "salary", 0, "salary")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("breed")
	return cmd
}

func catListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cats, err := e.ListCats(ctx)
				if err != nil {
					return err
				}
				return printCats(cats...)
			})
		},
	}
}

func catGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <cat-id>",
		Short: "Show a cat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCat(ctx, args[0])
				if err != nil {
					return err
				}
				return printCats(c)
			})
		},
	}
}

func catSalaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "salary <cat-id> <amount>",
		Short: "Update a cat's salary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid salary %q: %w", args[1], err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateCatSalary(ctx, args[0], amount)
				if err != nil {
					return err
				}
				return printCats(c)
			})
		},
	}
}

func catDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cat-id>",
		Short: "Remove a cat that no mission references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteCat(ctx, args[0]); err != nil {
					return err
				}
				return printResult(map[string]any{"deleted": args[0]})
			})
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Manage missions"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionGetCmd())
	m.AddCommand(missionDeleteCmd())
	m.AddCommand(missionAssignCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var catID string
	var targets []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission with 1 to 3 targets",
		Example: `  spycat mission create --target "Viktor:Estonia" --target "Olga:Latvia:meets at noon"
  spycat mission create --cat <cat-id> --target "Ivan:Finland"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseTargets(targets)
			if err != nil {
				return err
			}
			opts := engine.MissionCreateOptions{Targets: specs}
			if catID != "" {
				opts.CatID = &catID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&catID, "cat", "", "assign this available cat right away")
	cmd.Flags().StringArrayVar(&targets, "target", nil, "target as name:country[:notes] (repeatable)")
	return cmd
}

// parseTargets reads name:country[:notes] specs.
func parseTargets(in []string) ([]domain.TargetSpec, error) {
	specs := make([]domain.TargetSpec, 0, len(in))
	for _, raw := range in {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid target %q, want name:country[:notes]", raw)
		}
		spec := domain.TargetSpec{Name: strings.TrimSpace(parts[0]), Country: strings.TrimSpace(parts[1])}
		if len(parts) == 3 {
			spec.Notes = parts[2]
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func missionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				missions, err := e.ListMissions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(missions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Cat", "Targets", "Pending", "Completed", "Created"})
				for _, m := range missions {
					tw.AppendRow(table.Row{m.ID, stringOrDash(m.CatID), len(m.Targets), m.PendingTargets(), m.IsCompleted, relTime(m.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func missionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <mission-id>",
		Short: "Show a mission and its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

func missionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <mission-id>",
		Short: "Delete an unassigned mission and its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteMission(ctx, args[0]); err != nil {
					return err
				}
				return printResult(map[string]any{"deleted": args[0]})
			})
		},
	}
}

func missionAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <mission-id> <cat-id>",
		Short: "Assign an available cat to a mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AssignCat(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

func targetCmd() *cobra.Command {
	t := &cobra.Command{Use: "target", Short: "Work on mission targets"}
	t.AddCommand(targetGetCmd())
	t.AddCommand(targetNotesCmd())
	t.AddCommand(targetCompleteCmd())
	return t
}

func targetGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <target-id>",
		Short: "Show a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTarget(ctx, args[0])
				if err != nil {
					return err
				}
				return printTargets(t)
			})
		},
	}
}

func targetNotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes <target-id> <notes>",
		Short: "Replace the notes of a pending target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTargetNotes(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printTargets(t)
			})
		},
	}
}

func targetCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <target-id>",
		Short: "Complete a target; the last one completes its mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteTarget(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if err := printMission(res.Mission); err != nil {
					return err
				}
				if res.CatReleased && res.Mission.CatID != nil {
					fmt.Printf("mission completed, cat %s is available again\n", *res.Mission.CatID)
				}
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, relTime(evt.TS), evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter: cat, mission, target")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func printCats(cats ...domain.Cat) error {
	if viper.GetBool("json") {
		if len(cats) == 1 {
			return printJSON(cats[0])
		}
		return printJSON(cats)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Breed", "Experience", "Salary", "Available", "Hired"})
	for _, c := range cats {
		tw.AppendRow(table.Row{c.ID, c.Name, c.Breed, c.ExperienceYears, humanize.CommafWithDigits(c.Salary, 2), c.IsAvailable, relTime(c.CreatedAt)})
	}
	tw.Render()
	return nil
}

func printMission(m domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	fmt.Printf("Mission %s  cat=%s  completed=%t\n", m.ID, stringOrDash(m.CatID), m.IsCompleted)
	return printTargets(m.Targets...)
}

func printTargets(targets ...domain.Target) error {
	if viper.GetBool("json") {
		if len(targets) == 1 {
			return printJSON(targets[0])
		}
		return printJSON(targets)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Country", "Completed", "Notes"})
	for _, t := range targets {
		tw.AppendRow(table.Row{t.ID, t.Name, t.Country, t.IsCompleted, t.Notes})
	}
	tw.Render()
	return nil
}

func printResult(v map[string]any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	for k, val := range v {
		fmt.Printf("%s %v\n", k, val)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrDash(ptr *string) string {
	if ptr == nil || *ptr == "" {
		return "-"
	}
	return *ptr
}

// relTime renders an RFC3339 timestamp as "3 minutes ago", falling back to the raw value.
func relTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
