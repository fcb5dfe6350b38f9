package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/repo"
)

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage proxy users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userPasswdCmd())
	user.AddCommand(userAddKeyCmd())
	user.AddCommand(userRemoveKeyCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Username = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				u.Password = ""
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Password, "password", "", "login password")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringVar(&opts.GitAccount, "git-account", "", "upstream account name used in HTTPS pushes")
	cmd.Flags().BoolVar(&opts.Admin, "admin", false, "grant every permission")
	cmd.Flags().StringArrayVar(&opts.PublicKeys, "key", nil, "SSH public key (repeatable)")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.GetUsers(ctx, repo.UserQuery{})
				if err != nil {
					return err
				}
				for i := range users {
					users[i].Password = ""
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Username", "Email", "Git account", "Admin", "Keys"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.Username, u.Email, u.GitAccount, u.Admin, len(u.PublicKeys)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userPasswdCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Set a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = viper.GetString("password")
			}
			if password == "" {
				return errors.New("--password or GIT_PROXY_PASSWORD is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetPassword(ctx, args[0], password)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

func userAddKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-key <username> <public-key>",
		Short: "Register an SSH public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKeyArg(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.AddPublicKey(ctx, args[0], key)
			})
		},
	}
	return cmd
}

func userRemoveKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-key <username> <public-key>",
		Short: "Remove an SSH public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKeyArg(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RemovePublicKey(ctx, args[0], key)
			})
		},
	}
	return cmd
}

// readKeyArg accepts a key, or @path to read it from a .pub file.
func readKeyArg(arg string) (string, error) {
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return arg, nil
}

func repoCmd() *cobra.Command {
	r := &cobra.Command{Use: "repo", Short: "Manage authorised repositories"}
	r.AddCommand(repoCreateCmd())
	r.AddCommand(repoListCmd())
	r.AddCommand(repoDeleteCmd())
	r.AddCommand(repoRoleCmd("add-pusher", "Allow a user to push", repo.RolePush, true))
	r.AddCommand(repoRoleCmd("add-authoriser", "Allow a user to review pushes", repo.RoleAuthorise, true))
	r.AddCommand(repoRoleCmd("remove-pusher", "Revoke push", repo.RolePush, false))
	r.AddCommand(repoRoleCmd("remove-authoriser", "Revoke review", repo.RoleAuthorise, false))
	return r
}

func repoCreateCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "create <project>/<name>",
		Short: "Add a repository to the authorised list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, name, ok := strings.Cut(strings.TrimSuffix(args[0], ".git"), "/")
			if !ok || project == "" || name == "" {
				return fmt.Errorf("repository must be <project>/<name>, got %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rp := domain.Repo{Project: project, Name: name, URL: url}
				if rp.URL == "" {
					rp.URL = strings.TrimSuffix(e.Config.Proxy.Upstream, "/") + "/" + project + "/" + name + ".git"
				}
				if err := e.Repo.CreateRepo(ctx, rp); err != nil {
					return err
				}
				created, err := e.Repo.GetRepo(ctx, rp.Key())
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "upstream clone url (default <upstream>/<project>/<name>.git)")
	return cmd
}

func repoListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List authorised repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				repos, err := e.Repo.GetRepos(ctx, repo.RepoQuery{Project: project})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(repos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Repository", "URL", "Pushers", "Authorisers"})
				for _, r := range repos {
					tw.AppendRow(table.Row{r.Key(), r.URL, strings.Join(r.CanPush, ","), strings.Join(r.CanAuthorise, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	return cmd
}

func repoDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project>/<name>",
		Short: "Remove a repository from the authorised list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteRepo(ctx, args[0])
			})
		},
	}
	return cmd
}

func repoRoleCmd(use, short, role string, grant bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <project>/<name> <username>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if grant {
					if _, err := e.Repo.FindUser(ctx, args[1]); err != nil {
						return fmt.Errorf("user %s: %w", args[1], err)
					}
				}
				switch {
				case grant && role == repo.RolePush:
					return e.Repo.AddUserCanPush(ctx, args[0], args[1])
				case grant:
					return e.Repo.AddUserCanAuthorise(ctx, args[0], args[1])
				case role == repo.RolePush:
					return e.Repo.RemoveUserCanPush(ctx, args[0], args[1])
				default:
					return e.Repo.RemoveUserCanAuthorise(ctx, args[0], args[1])
				}
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage review API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyListCmd())
	keys.AddCommand(apikeyDeleteCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Issue an API key; the key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <username>",
		Short: "List API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect proxy.yml",
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
		Short: "Write a default proxy.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
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

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate proxy.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
	return cmd
}
