package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "github.com", cfg.UpstreamHost())
	assert.Equal(t, 10*time.Second, cfg.SSH.KeepaliveInterval.Std())
	assert.Equal(t, 3, cfg.SSH.KeepaliveCountMax)
	assert.Equal(t, "./hooks/pre-receive.sh", cfg.Hook.Path)
	assert.Len(t, cfg.AuthorisedRepos, 1)
}

func TestFromYAMLOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("GIT_PROXY_TEST_SECRET", "s3cret")
	cfg, err := FromYAML([]byte(`
proxy:
  upstream: https://git.example.com
git:
  clone_protocol: SSH
hook:
  timeout: 5s
api:
  jwt_secret: ${GIT_PROXY_TEST_SECRET}
plugins:
  - name: deny-main
    phase: push
    position: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "git.example.com", cfg.UpstreamHost())
	assert.Equal(t, CloneSSH, cfg.Git.CloneProtocol)
	assert.Equal(t, 5*time.Second, cfg.Hook.Timeout.Std())
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)
	assert.Equal(t, 8000, cfg.Proxy.HTTPPort)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, PhasePush, cfg.Plugins[0].Phase)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative upstream": "proxy:\n  upstream: github.com\n",
		"bad protocol":      "git:\n  clone_protocol: ftp\n",
		"bad duration":      "hook:\n  timeout: soon\n",
		"plugin phase":      "plugins:\n  - name: x\n    phase: post\n",
		"ssh relay":         "ssh:\n  enabled: true\n  relay_identity: client\n",
		"webhook url":       "webhooks:\n  - url: /hooks\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Proxy.HTTPPort)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "proxy.yml"), []byte("proxy:\n  http_port: 9000\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Proxy.HTTPPort)
}

func TestRelayKeyFallsBackToHostKey(t *testing.T) {
	cfg := Default()
	cfg.SSH.HostKeyPath = "/etc/git-proxy/host_key"
	cfg.SSH.RelayKeyPath = ""
	assert.Equal(t, "/etc/git-proxy/host_key", cfg.RelayKey())

	cfg.SSH.RelayKeyPath = "/etc/git-proxy/relay_key"
	assert.Equal(t, "/etc/git-proxy/relay_key", cfg.RelayKey())
}
