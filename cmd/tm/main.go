package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmatch/internal/app"
	"taskmatch/internal/config"
	"taskmatch/internal/db"
	"taskmatch/internal/domain"
	"taskmatch/internal/engine"
	"taskmatch/internal/repo"
	"taskmatch/internal/rules"
	"taskmatch/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmatch CLI",
	Long: `Taskmatch assigns tasks to users by eligibility rules and keeps the
assignment bookkeeping consistent:
- Users: people with a department, experience, and a live count of active tasks.
- Tasks: work items carrying an eligibility rule set (department, min_experience,
  max_active_tasks).
- Assignment: at most one active assignment per task; the best-scoring eligible
  user wins. Tasks with nobody eligible wait until someone qualifies.
- Event log: diary of changes, view with 'tm log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKMATCH")
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
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userUpdateCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var name, department, location, email string
	var experience int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.CreateUser(ctx, engine.CreateUserParams{
					Name:            name,
					Department:      department,
					ExperienceYears: experience,
					Location:        optionalString(location),
					Email:           optionalString(email),
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&department, "department", "", "department")
	cmd.Flags().IntVar(&experience, "experience", 0, "years of experience")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&email, "email", "", "email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Department", "Experience", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Department, u.ExperienceYears, u.ActiveTaskCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user with held assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u, err := e.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				held, err := e.Repo.ActiveAssignmentsForUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": u, "assignments": held})
			})
		},
	}
	return cmd
}

func userUpdateCmd() *cobra.Command {
	var name, department, location, email string
	var experience int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update user attributes and re-evaluate eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				prev, err := e.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				params := engine.CreateUserParams{
					Name:            prev.Name,
					Department:      prev.Department,
					ExperienceYears: prev.ExperienceYears,
					Location:        prev.Location,
					Email:           prev.Email,
				}
				if cmd.Flags().Changed("name") {
					params.Name = name
				}
				if cmd.Flags().Changed("department") {
					params.Department = department
				}
				if cmd.Flags().Changed("experience") {
					params.ExperienceYears = experience
				}
				if cmd.Flags().Changed("location") {
					params.Location = optionalString(location)
				}
				if cmd.Flags().Changed("email") {
					params.Email = optionalString(email)
				}
				u, moves, err := e.UpdateUser(ctx, args[0], params, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": u, "moves": moves})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&department, "department", "", "department")
	cmd.Flags().IntVar(&experience, "experience", 0, "years of experience")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&email, "email", "", "email")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks and assignments"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskRecomputeCmd())
	task.AddCommand(taskRankCmd())
	return task
}

func ruleFlags(cmd *cobra.Command, department *string, minExp, maxActive *int) {
	cmd.Flags().StringVar(department, "rule-department", "", "required department")
	cmd.Flags().IntVar(minExp, "rule-min-experience", -1, "minimum years of experience (-1 = unset)")
	cmd.Flags().IntVar(maxActive, "rule-max-active", -1, "maximum concurrent active tasks (-1 = unset)")
}

func ruleSetFromFlags(department string, minExp, maxActive int) rules.RuleSet {
	var rs rules.RuleSet
	if department != "" {
		rs.Department = &department
	}
	if minExp >= 0 {
		rs.MinExperience = &minExp
	}
	if maxActive >= 0 {
		rs.MaxActiveTasks = &maxActive
	}
	return rs
}

func taskAddCmd() *cobra.Command {
	var title, description, dueDate, ruleDept string
	var priority, ruleMinExp, ruleMaxActive int
	var assign bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, res, err := e.CreateTask(ctx, engine.CreateTaskParams{
					Title:       title,
					Description: description,
					Rules:       ruleSetFromFlags(ruleDept, ruleMinExp, ruleMaxActive),
					Priority:    priority,
					DueDate:     optionalString(dueDate),
					AutoAssign:  assign,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				out := map[string]any{"task": t}
				if res != nil {
					out["move"] = res
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&assign, "assign", false, "assign immediately")
	ruleFlags(cmd, &ruleDept, &ruleMinExp, &ruleMaxActive)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Rules"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.RulesJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task with its assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				history, err := e.Repo.ListAssignments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "assignments": history})
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign the best eligible user to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Assign(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel the active assignment and reassign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the active assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Complete(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func taskRecomputeCmd() *cobra.Command {
	var ruleDept string
	var ruleMinExp, ruleMaxActive int
	cmd := &cobra.Command{
		Use:   "recompute <id>",
		Short: "Recompute eligibility, optionally replacing the rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var newRules *rules.RuleSet
				if cmd.Flags().Changed("rule-department") ||
					cmd.Flags().Changed("rule-min-experience") ||
					cmd.Flags().Changed("rule-max-active") {
					rs := ruleSetFromFlags(ruleDept, ruleMinExp, ruleMaxActive)
					newRules = &rs
				}
				res, err := e.Recompute(ctx, args[0], newRules, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	ruleFlags(cmd, &ruleDept, &ruleMinExp, &ruleMaxActive)
	return cmd
}

func taskRankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank <id>",
		Short: "Show the ranked eligible users for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ranked, err := e.Rank(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "User", "Score"})
				for i, c := range ranked {
					tw.AppendRow(table.Row{i + 1, c.UserID, c.Score})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plaintext, stored, err := newAPIKey(ctx, e.Repo, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": stored.ID, "name": stored.Name, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
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
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task and assignment counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				taskCounts, err := e.Repo.CountByStatus(ctx, "tasks")
				if err != nil {
					return err
				}
				assignmentCounts, err := e.Repo.CountByStatus(ctx, "assignments")
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"tasks":       taskCounts,
					"assignments": assignmentCounts,
				})
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default taskmatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			dotdir, err := db.EnsureWorkspace(workspace)
			if err != nil {
				return err
			}
			path := config.Path(dotdir)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	return cfg
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo users and tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actor := viper.GetString("actor-id")
				eng := "Engineering"
				ops := "Operations"
				seedUsers := []engine.CreateUserParams{
					{Name: "Alice", Department: eng, ExperienceYears: 5},
					{Name: "Bob", Department: eng, ExperienceYears: 2},
					{Name: "Carol", Department: ops, ExperienceYears: 8},
				}
				for _, p := range seedUsers {
					if _, err := e.CreateUser(ctx, p, actor); err != nil {
						return err
					}
				}
				minExp := 3
				maxActive := 2
				seedTasks := []engine.CreateTaskParams{
					{Title: "Patch database cluster", Rules: rules.RuleSet{Department: &eng, MinExperience: &minExp}, Priority: 2, AutoAssign: true},
					{Title: "Rotate access credentials", Rules: rules.RuleSet{Department: &ops, MaxActiveTasks: &maxActive}, Priority: 1, AutoAssign: true},
					{Title: "Write onboarding guide", Rules: rules.RuleSet{Department: &eng}, AutoAssign: false},
				}
				for _, p := range seedTasks {
					if _, _, err := e.CreateTask(ctx, p, actor); err != nil {
						return err
					}
				}
				fmt.Println("seeded", len(seedUsers), "users and", len(seedTasks), "tasks")
				return nil
			})
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
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("TASKMATCH_JWT_SECRET"),
				AdminRole: a.Config.Auth.AdminRole,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = a.Config.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKMATCH_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(a.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskmatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func newAPIKey(ctx context.Context, r repo.Repo, name string) (string, domain.APIKey, error) {
	plaintext := "tmk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:      uuid.NewString(),
		Name:    name,
		KeyHash: repo.HashAPIKey(plaintext),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	stored, err := r.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, stored, nil
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
