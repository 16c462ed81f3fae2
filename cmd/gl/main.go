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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"groupline/internal/config"
	"groupline/internal/db"
	"groupline/internal/migrate"
	"groupline/internal/relay"
	"groupline/internal/repo"
	"groupline/internal/server"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Groupline CLI",
	Long: `Groupline relays group ownership transfers to a remote group-management API.
It acquires the remote's anti-forgery token by probing an ordered chain of
mutating endpoints, then replays the change-owner mutation with the caller's
session credential and the acquired token attached.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if viper.GetBool("verbose") {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
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
	viper.SetEnvPrefix("GROUPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("base-url", "", "remote API base URL (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(transferCmd())
	rootCmd.AddCommand(endpointsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig resolves the effective config: groupline.yml when present,
// built-in defaults otherwise, with the base-url flag/env on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if override := strings.TrimSpace(viper.GetString("base-url")); override != "" {
		cfg.Remote.BaseURL = override
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svcOpts := relay.Options{Logger: logger}
			var auditRepo *repo.Repo
			if cfg.Audit.Enabled {
				workspace := viper.GetString("workspace")
				conn, err := db.Open(db.Config{Workspace: workspace})
				if err != nil {
					return err
				}
				defer conn.Close()
				if err := migrate.Migrate(conn); err != nil {
					return err
				}
				r := repo.New(conn)
				auditRepo = &r
				svcOpts.Recorder = r
			}
			svc := relay.NewService(cfg, svcOpts)
			handler, err := server.New(server.Config{
				Service:  svc,
				Repo:     auditRepo,
				BasePath: basePath,
				Logger:   logger,
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
			fmt.Printf("Serving Groupline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func transferCmd() *cobra.Command {
	var groupID, userID int64
	var credential, credentialFile string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Relay one ownership transfer from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if credential == "" && credentialFile == "" {
				return fmt.Errorf("--credential or --credential-file required")
			}
			if credential == "" {
				data, err := os.ReadFile(credentialFile)
				if err != nil {
					return err
				}
				credential = strings.TrimSpace(string(data))
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withService(cmd.Context(), cfg, func(ctx context.Context, svc *relay.Service) error {
				body, err := json.Marshal(map[string]any{
					"credential": credential,
					"group_id":   groupID,
					"user_id":    userID,
				})
				if err != nil {
					return err
				}
				res, err := svc.Transfer(ctx, body)
				if err != nil {
					return err
				}
				if !res.Success() {
					return fmt.Errorf("remote rejected the transfer: %s (status=%d) %s", res.Code, res.RemoteStatus, res.Snippet)
				}
				return printJSON(res.Data)
			})
		},
	}
	cmd.Flags().Int64Var(&groupID, "group", 0, "source group id")
	cmd.Flags().Int64Var(&userID, "user", 0, "target user id")
	cmd.Flags().StringVar(&credential, "credential", "", "remote session credential")
	cmd.Flags().StringVar(&credentialFile, "credential-file", "", "file holding the credential")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Show the token-endpoint fallback chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Remote.TokenEndpoints)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Name", "Method", "Path"})
			for i, ep := range cfg.Remote.TokenEndpoints {
				method := ep.Method
				if method == "" {
					method = http.MethodPost
				}
				tw.AppendRow(table.Row{i + 1, ep.Name, method, ep.Path})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Attempt audit log",
	}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent relay attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				attempts, err := r.ListAttempts(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(attempts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Group", "User", "Outcome", "Remote", "Endpoint", "ms"})
				for _, a := range attempts {
					tw.AppendRow(table.Row{a.ID, a.TS, a.GroupID, a.UserID, a.Outcome, a.RemoteStatus, a.TokenEndpoint, a.DurationMS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of attempts")
	return cmd
}

func configCmd() *cobra.Command {
	cfgRoot := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cfgRoot.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cfgRoot.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default groupline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
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
	return cfgRoot
}

// --- helpers ---

func withService(ctx context.Context, cfg *config.Config, fn func(context.Context, *relay.Service) error) error {
	opts := relay.Options{Logger: logger}
	if cfg.Audit.Enabled {
		conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := migrate.Migrate(conn); err != nil {
			return err
		}
		opts.Recorder = repo.New(conn)
	}
	return fn(ctx, relay.NewService(cfg, opts))
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
	return fn(ctx, repo.New(conn))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
