package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/git-proxy/internal/app"
	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/proxy/httpproxy"
	"github.com/G-Research/git-proxy/internal/proxy/sshproxy"
	"github.com/G-Research/git-proxy/internal/server"
)

func serveCmd() *cobra.Command {
	var apiAddr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the git proxy and the review API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := app.ConfigureLogging(cfg); err != nil {
				return err
			}
			if apiAddr != "" {
				cfg.API.Addr = apiAddr
			}
			if basePath != "" {
				cfg.API.BasePath = basePath
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.API.JWTSecret = secret
			}
			conn, err := app.OpenDB(workspaceFor(cfg))
			if err != nil {
				return err
			}
			defer conn.Close()
			eng := engine.New(conn, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := app.Prepare(ctx, eng, cfg, app.PrepareOptions{AdminPassword: viper.GetString("admin-password")}); err != nil {
				return err
			}
			return serve(ctx, eng, cfg)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "review API listen address (overrides api.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "review API base path (overrides api.base_path)")
	return cmd
}

func serve(ctx context.Context, eng engine.Engine, cfg *config.Config) error {
	c, err := app.BuildChain(cfg, eng)
	if err != nil {
		return err
	}
	hp, err := httpproxy.New(httpproxy.Config{
		Chain:        c,
		Engine:       eng,
		Upstream:     cfg.Proxy.Upstream,
		RemoteDir:    cfg.Proxy.RemoteDir,
		KeepStaging:  cfg.Proxy.KeepStaging,
		MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
	})
	if err != nil {
		return err
	}
	var sp *sshproxy.Server
	if cfg.SSH.Enabled {
		if sp, err = newSSHProxy(cfg, eng, c); err != nil {
			return err
		}
	}

	var api *http.Server
	if cfg.API.Addr != "" {
		if cfg.API.JWTSecret == "" {
			log.Warn("api.jwt_secret is empty, only API keys can authenticate")
		}
		handler, err := server.New(server.Config{Engine: eng, BasePath: cfg.API.BasePath, Auth: server.AuthConfig{JWTSecret: cfg.API.JWTSecret}})
		if err != nil {
			return err
		}
		api = &http.Server{Addr: cfg.API.Addr, Handler: handler, ReadHeaderTimeout: 30 * time.Second}
		server.StartWebhookDispatcher(ctx, eng)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	run := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- err
			}
		}()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run(func() error {
		return hp.Start(ctx, httpproxy.ListenConfig{
			HTTPAddr:  ":" + strconv.Itoa(cfg.Proxy.HTTPPort),
			HTTPSAddr: httpsAddr(cfg),
			CertPath:  cfg.Proxy.TLS.CertPath,
			KeyPath:   cfg.Proxy.TLS.KeyPath,
		})
	})
	if sp != nil {
		run(func() error { return sp.Start(ctx, ":"+strconv.Itoa(cfg.SSH.Port)) })
	}
	if api != nil {
		run(func() error {
			go func() {
				<-ctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				api.Shutdown(shutdownCtx)
			}()
			log.WithField("addr", api.Addr).Infof("review API listening (OpenAPI at %s/openapi.json, Swagger UI at /docs)", cfg.API.BasePath)
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errs:
		log.WithError(firstErr).Error("listener failed, shutting down")
	}
	cancel()
	wg.Wait()
	return firstErr
}

func httpsAddr(cfg *config.Config) string {
	if cfg.Proxy.HTTPSPort <= 0 {
		return ""
	}
	return ":" + strconv.Itoa(cfg.Proxy.HTTPSPort)
}

func newSSHProxy(cfg *config.Config, eng engine.Engine, c *chain.Chain) (*sshproxy.Server, error) {
	hostSigner, err := sshproxy.LoadSigner(cfg.SSH.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load ssh host key: %w", err)
	}
	relaySigner := hostSigner
	if key := cfg.RelayKey(); key != cfg.SSH.HostKeyPath {
		if relaySigner, err = sshproxy.LoadSigner(key); err != nil {
			return nil, fmt.Errorf("load ssh relay key: %w", err)
		}
	}
	var hostKeys ssh.HostKeyCallback
	if cfg.SSH.KnownHostsPath != "" {
		if hostKeys, err = knownhosts.New(cfg.SSH.KnownHostsPath); err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}
	return sshproxy.New(sshproxy.Config{
		Chain:             c,
		Engine:            eng,
		HostSigner:        hostSigner,
		UpstreamAddr:      cfg.SSH.UpstreamAddr,
		UpstreamUser:      cfg.SSH.UpstreamUser,
		RelayIdentity:     cfg.SSH.RelayIdentity,
		RelaySigner:       relaySigner,
		HostKeyCallback:   hostKeys,
		KeepaliveInterval: cfg.SSH.KeepaliveInterval.Std(),
		KeepaliveCountMax: cfg.SSH.KeepaliveCountMax,
		ReadyTimeout:      cfg.SSH.ReadyTimeout.Std(),
		RemoteDir:         cfg.Proxy.RemoteDir,
		KeepStaging:       cfg.Proxy.KeepStaging,
	})
}
