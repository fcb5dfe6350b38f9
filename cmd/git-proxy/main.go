package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/git-proxy/internal/app"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "git-proxy",
	Short: "Git proxy with push approval",
	Long: `git-proxy sits between developers and an upstream Git host.
- Pulls are checked against the authorised repository list and forwarded.
- Pushes are parsed, cloned into a staging directory, run through the pre-receive hook and held until a reviewer authorises them.
- Reviewers approve or reject held pushes with 'git-proxy push authorise|reject' or the HTTP API.
- Configuration lives in proxy.yml inside the workspace; GIT_PROXY_* environment variables override flags.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("GIT_PROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding proxy.yml and the database")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/proxy.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "act as this proxy user; empty acts as the local operator")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := app.OpenDB(workspaceFor(cfg))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

// workspaceFor prefers an explicit db.workspace over the CLI workspace.
func workspaceFor(cfg *config.Config) string {
	if cfg.DB.Workspace != "" && cfg.DB.Workspace != "." {
		return cfg.DB.Workspace
	}
	return viper.GetString("workspace")
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

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
