package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"smartop/internal/app"
	"smartop/internal/config"
	"smartop/internal/db"
	"smartop/internal/domain"
	"smartop/internal/engine"
	"smartop/internal/logger"
	"smartop/internal/migrate"
	"smartop/internal/repo"
	"smartop/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "smartop",
	Short: "Smartop control list CLI",
	Long: `Smartop tracks machine inspections as control lists.
- Company: the tenant; every user, machine, template and list belongs to exactly one.
- Control list: a checklist assigned to an operator for one machine on a scheduled day.
- Lifecycle: draft -> pending -> in_progress -> completed -> approved/rejected; revert undoes a decision.
- Roles: admin, manager and operator map to control-lists.* capabilities in smartop.yml.
- Event log: every committed change, view with 'smartop log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SMARTOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user id")
	rootCmd.PersistentFlags().String("company", "", "company id (overrides smartop.yml)")
	rootCmd.PersistentFlags().String("db", "", "database file (default <workspace>/.smartop/smartop.db)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("company", rootCmd.PersistentFlags().Lookup("company"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init <company-id>",
		Short: "Create smartop.yml and bootstrap the company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			companyID := strings.TrimSpace(args[0])
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(companyID)), 0o644); err != nil {
					return err
				}
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Company.Name = name
			}
			if err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return app.Bootstrap(ctx, r, cfg, time.Now().UTC())
			}); err != nil {
				return err
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "SMARTOP_COMPANY", cfg.Company.ID); err != nil {
				return err
			}
			fmt.Printf("Initialized company %s in %s\n", cfg.Company.ID, dbConfig().FileOrDefault())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "company display name")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect smartop.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate smartop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("config ok (company %s)\n", cfg.Company.ID)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				return yaml.NewEncoder(os.Stdout).Encode(e.Config)
			})
		},
	})
	return cfgCmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}

	var name string
	var roles []string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add a user to the company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, role := range roles {
					if _, ok := e.Config.RBAC.Roles[role]; !ok {
						return fmt.Errorf("unknown role %q", role)
					}
				}
				if name == "" {
					name = args[0]
				}
				u, err := app.AddUser(ctx, e.Repo, e.Config.Company.ID, args[0], name, roles, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringSliceVar(&roles, "role", nil, "role id (repeatable)")
	usr.AddCommand(add)

	usr.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx, e.Config.Company.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable(table.Row{"ID", "Name", "Roles"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, strings.Join(u.Roles, ",")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})

	var role string
	for _, action := range []string{"grant", "revoke"} {
		c := &cobra.Command{
			Use:   action + " <user-id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a role",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					if _, err := e.Repo.GetUser(ctx, args[0], e.Config.Company.ID); err != nil {
						return err
					}
					tx, err := e.DB.BeginTx(ctx, nil)
					if err != nil {
						return err
					}
					defer tx.Rollback()
					if action == "grant" {
						err = e.Repo.AssignRole(ctx, tx, args[0], role)
					} else {
						err = e.Repo.RevokeRole(ctx, tx, args[0], role)
					}
					if err != nil {
						return err
					}
					return tx.Commit()
				})
			},
		}
		c.Flags().StringVar(&role, "role", "", "role id")
		_ = c.MarkFlagRequired("role")
		usr.AddCommand(c)
	}
	return usr
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					CompanyID: e.Config.Company.ID,
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": userID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&userID, "user-id", "", "owner of the key")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("user-id")
	keys.AddCommand(create)

	var lsUser string
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, e.Config.Company.ID, lsUser)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "User", "Name", "Created", "Last used", "Revoked"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt.Format(time.RFC3339), fmtTimePtr(k.LastUsedAt), fmtTimePtr(k.RevokedAt)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	ls.Flags().StringVar(&lsUser, "user-id", "", "only keys of this user")
	keys.AddCommand(ls)

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeAPIKey(ctx, args[0], e.Config.Company.ID, time.Now())
			})
		},
	})
	return keys
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token signed with SMARTOP_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.Repo.GetUserByID(ctx, args[0])
				if err != nil {
					return err
				}
				if u.CompanyID != e.Config.Company.ID {
					return domain.NotFoundError{Kind: "user", ID: args[0]}
				}
				token, err := server.IssueToken(viper.GetString("jwt-secret"), u.ID, u.CompanyID, u.Roles, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func machineCmd() *cobra.Command {
	mc := &cobra.Command{Use: "machine", Short: "Manage machines"}
	var m domain.Machine
	add := &cobra.Command{
		Use:   "add <machine-id>",
		Short: "Register a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m.ID = args[0]
				m.CompanyID = e.Config.Company.ID
				m.CreatedAt = time.Now().UTC()
				if m.Name == "" {
					m.Name = m.ID
				}
				if err := e.Repo.InsertMachine(ctx, m); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	add.Flags().StringVar(&m.Name, "name", "", "display name")
	add.Flags().StringVar(&m.Code, "code", "", "asset code")
	add.Flags().StringVar(&m.Type, "type", "", "machine type")
	add.Flags().StringVar(&m.Location, "location", "", "location")
	mc.AddCommand(add)

	mc.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				machines, err := e.Repo.ListMachines(ctx, e.Config.Company.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(machines)
				}
				tw := newTable(table.Row{"ID", "Name", "Code", "Type", "Location"})
				for _, m := range machines {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Code, m.Type, m.Location})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return mc
}

func templateCmd() *cobra.Command {
	tc := &cobra.Command{Use: "template", Short: "Manage checklist templates"}
	var t domain.Template
	var itemsFile, priority string
	add := &cobra.Command{
		Use:   "add <template-id>",
		Short: "Create a template from a YAML or JSON item file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(itemsFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t.ID = args[0]
				t.CompanyID = e.Config.Company.ID
				t.Items = items
				t.Priority = domain.Priority(priority)
				t.IsActive = true
				t.CreatedBy = viper.GetString("user")
				t.CreatedAt = time.Now().UTC()
				if err := e.Repo.InsertTemplate(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	add.Flags().StringVar(&t.Name, "name", "", "template name")
	add.Flags().StringVar(&t.Description, "description", "", "description")
	add.Flags().StringVar(&t.MachineType, "machine-type", "", "machine type the template targets")
	add.Flags().StringVar(&priority, "priority", "medium", "default priority")
	add.Flags().StringVar(&itemsFile, "items", "", "item file (.yaml, .yml or .json)")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("items")
	tc.AddCommand(add)

	var all bool
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, e.Config.Company.ID, !all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Priority", "Items", "Active"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Priority, len(t.Items), t.IsActive})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	ls.Flags().BoolVar(&all, "all", false, "include inactive templates")
	tc.AddCommand(ls)

	var newID, newName string
	dup := &cobra.Command{
		Use:   "duplicate <template-id>",
		Short: "Copy a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if newID == "" {
					newID = uuid.NewString()
				}
				out, err := e.Repo.DuplicateTemplate(ctx, args[0], e.Config.Company.ID, newID, newName)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	dup.Flags().StringVar(&newID, "new-id", "", "id of the copy")
	dup.Flags().StringVar(&newName, "name", "", "name of the copy")
	tc.AddCommand(dup)

	for _, active := range []bool{true, false} {
		use := "deactivate"
		if active {
			use = "activate"
		}
		tc.AddCommand(&cobra.Command{
			Use:   use + " <template-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a template",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					return e.Repo.SetTemplateActive(ctx, args[0], e.Config.Company.ID, active)
				})
			},
		})
	}
	return tc
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(dbConfig())
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveCompanyAndConfig(ctx, workspace, viper.GetString("company"), r)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, "console", "smartop-cli")
	if err != nil {
		return err
	}
	defer log.Sync()
	e := engine.New(conn, cfg)
	e.Logger = log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	return fn(ctx, e)
}

func dbConfig() db.Config {
	return db.Config{Workspace: viper.GetString("workspace"), File: viper.GetString("db")}
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(dbConfig())
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// caller returns the acting user set by --user or SMARTOP_USER.
func caller() (string, error) {
	u := strings.TrimSpace(viper.GetString("user"))
	if u == "" {
		return "", fmt.Errorf("acting user not specified; use --user or set SMARTOP_USER")
	}
	return u, nil
}

// readItems loads a checklist from a YAML or JSON file. YAML is converted to
// JSON first so both go through the same decoder.
func readItems(path string) ([]domain.ChecklistItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}
	return repo.ParseItems(data)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
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

// setEnvValue upserts key in the dotenv file at path.
func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
