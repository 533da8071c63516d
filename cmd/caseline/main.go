package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/app"
	"caseline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "caseline",
	Short: "caseline case orchestration CLI",
	Long: `caseline drives licensing and certification cases from preparation to issue.
- Process: one case. Its status moves IN_PROGRESS -> SUBMITTED -> PROCESSING -> COMPLETED
  (or REFUSED, WITHDRAWN, STOPPED, REVOKED).
- Tasks: the work items of a case. At most one of each type is active at a time.
- Packs: the numbered documents of a case. One draft is built, then issued and archived.
- Generation: approving a case renders and signs every document in parallel on the worker pool.
- Authority: import licences are confirmed by the licensing authority through a callback.
- Workspace: the .caseline directory with the database, generated files and caseline.yml.`,
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
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/caseline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	for _, name := range []string{"workspace", "config", "json", "actor-id"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(packsCmd())
	rootCmd.AddCommand(documentsCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(housekeepingCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the workspace config and applies CASELINE_* overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"database-driver":   &cfg.Database.Driver,
		"database-dsn":      &cfg.Database.DSN,
		"storage-path":      &cfg.Storage.Path,
		"authority-url":     &cfg.Authority.URL,
		"authority-api-key": &cfg.Authority.APIKey,
		"jwt-secret":        &cfg.Auth.JWTSecret,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(viper.GetString("workspace"), cfg, app.Options{Logger: log.New(os.Stderr, "", log.LstdFlags)})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
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

func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04")
}
