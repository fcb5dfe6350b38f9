package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/plugin"
)

func TestPrepareSeedsReposOnce(t *testing.T) {
	conn, err := OpenDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	ctx := context.Background()

	require.NoError(t, Prepare(ctx, eng, cfg, PrepareOptions{AdminPassword: "s3cret"}))
	require.NoError(t, Prepare(ctx, eng, cfg, PrepareOptions{}))

	rp, err := eng.Repo.GetRepo(ctx, "finos/git-proxy.git")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/finos/git-proxy.git", rp.URL)
	assert.Equal(t, []string{AdminUser}, rp.CanPush)
	assert.Equal(t, []string{AdminUser}, rp.CanAuthorise)

	admin, ok, err := eng.VerifyPassword(ctx, AdminUser, "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, admin.Admin)
}

func TestBuildChainSplicesPlugins(t *testing.T) {
	conn, err := OpenDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	plugin.Register("app-test-audit", func(*config.Config) (chain.Processor, error) {
		return chain.Func("appTestAudit", func(context.Context, *chain.Request, *domain.Action) error { return nil }), nil
	})
	cfg := config.Default()
	cfg.Plugins = []config.Plugin{{Name: "app-test-audit", Phase: config.PhasePush, Position: 2}}
	c, err := BuildChain(cfg, engine.New(conn, cfg))
	require.NoError(t, err)
	require.Len(t, c.Push, 6)
	assert.Equal(t, "appTestAudit", c.Push[2].Name())

	cfg.Plugins = []config.Plugin{{Name: "missing", Phase: config.PhasePre}}
	_, err = BuildChain(cfg, engine.New(conn, cfg))
	assert.Error(t, err)
}

func TestConfigureLogging(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"
	require.NoError(t, ConfigureLogging(cfg))
	cfg.Log.Format = "xml"
	assert.Error(t, ConfigureLogging(cfg))
	cfg.Log.Format = "text"
	cfg.Log.Level = "info"
	require.NoError(t, ConfigureLogging(cfg))
}
