// Package app wires the store, the chain and the seed data at startup.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/db"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/migrate"
	"github.com/G-Research/git-proxy/internal/plugin"
	"github.com/G-Research/git-proxy/internal/processors"
	"github.com/G-Research/git-proxy/internal/repo"
)

// AdminUser owns the seeded repositories.
const AdminUser = "admin"

// OpenDB opens the workspace database and applies migrations.
func OpenDB(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(firstNonEmpty(cfg.Log.Level, "info"))
	if err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	log.SetLevel(level)
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json'")
	}
	log.SetOutput(os.Stderr)
	return nil
}

type PrepareOptions struct {
	// AdminPassword is set on the admin user when it is first created.
	AdminPassword string
}

// Prepare ensures the admin user exists and seeds every configured
// authorised repository that is not yet stored, granting admin push and
// authorise on it.
func Prepare(ctx context.Context, eng engine.Engine, cfg *config.Config, opts PrepareOptions) error {
	if _, err := eng.Repo.FindUser(ctx, AdminUser); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if opts.AdminPassword == "" {
			log.Warn("creating admin user without a password; set one with 'git-proxy user passwd admin'")
		}
		if _, err := eng.CreateUser(ctx, engine.UserCreateOptions{Username: AdminUser, Password: opts.AdminPassword, Admin: true}); err != nil {
			return fmt.Errorf("create admin user: %w", err)
		}
	}
	for _, ar := range cfg.AuthorisedRepos {
		rp := domain.Repo{Project: ar.Project, Name: ar.Name, URL: ar.URL}
		if rp.URL == "" {
			rp.URL = strings.TrimSuffix(cfg.Proxy.Upstream, "/") + "/" + ar.Project + "/" + ar.Name + ".git"
		}
		if _, err := eng.Repo.GetRepo(ctx, rp.Key()); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := eng.Repo.CreateRepo(ctx, rp); err != nil {
			return fmt.Errorf("seed repo %s: %w", rp.Key(), err)
		}
		if err := eng.Repo.AddUserCanPush(ctx, rp.Key(), AdminUser); err != nil {
			return err
		}
		if err := eng.Repo.AddUserCanAuthorise(ctx, rp.Key(), AdminUser); err != nil {
			return err
		}
		log.WithField("repo", rp.Key()).Info("seeded authorised repository")
	}
	return nil
}

// BuildChain assembles the built-in processors and splices in the
// configured plugins.
func BuildChain(cfg *config.Config, eng engine.Engine) (*chain.Chain, error) {
	c := processors.Build(cfg, eng, nil)
	if err := plugin.Splice(c, cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
