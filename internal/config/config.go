package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models proxy.yml.
type Config struct {
	Proxy struct {
		Upstream     string `yaml:"upstream"`
		HTTPPort     int    `yaml:"http_port"`
		HTTPSPort    int    `yaml:"https_port"`
		RemoteDir    string `yaml:"remote_dir"`
		KeepStaging  bool   `yaml:"keep_staging"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
		TLS          struct {
			KeyPath  string `yaml:"key"`
			CertPath string `yaml:"cert"`
		} `yaml:"tls"`
	} `yaml:"proxy"`
	SSH struct {
		Enabled           bool     `yaml:"enabled"`
		Port              int      `yaml:"port"`
		HostKeyPath       string   `yaml:"host_key"`
		UpstreamAddr      string   `yaml:"upstream_addr"`
		UpstreamUser      string   `yaml:"upstream_user"`
		KnownHostsPath    string   `yaml:"known_hosts"`
		RelayIdentity     string   `yaml:"relay_identity"`
		RelayKeyPath      string   `yaml:"relay_key"`
		KeepaliveInterval Duration `yaml:"keepalive_interval"`
		KeepaliveCountMax int      `yaml:"keepalive_count_max"`
		ReadyTimeout      Duration `yaml:"ready_timeout"`
	} `yaml:"ssh"`
	Git struct {
		CloneProtocol string `yaml:"clone_protocol"`
	} `yaml:"git"`
	Hook struct {
		Path    string   `yaml:"path"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"hook"`
	Approval struct {
		AutoApprove struct {
			Repos []string `yaml:"repos"`
			Users []string `yaml:"users"`
		} `yaml:"auto_approve"`
	} `yaml:"approval"`
	AuthorisedRepos []AuthorisedRepo `yaml:"authorised_repos"`
	Plugins         []Plugin         `yaml:"plugins"`
	API             struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	DB struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"db"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig delivers push events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// AuthorisedRepo is a repository seeded into the store at startup.
type AuthorisedRepo struct {
	Project string `yaml:"project"`
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
}

// Plugin places a registered processor into the chain.
type Plugin struct {
	Name     string `yaml:"name"`
	Phase    string `yaml:"phase"`
	Position int    `yaml:"position"`
}

const (
	CloneHTTPS = "https"
	CloneSSH   = "ssh"

	RelayProxy = "proxy"
	RelayAgent = "agent"

	PhasePre  = "pre"
	PhasePush = "push"
)

// Duration decodes "30s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Proxy.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.proxy.upstream must be an absolute url")
	}
	if c.Proxy.HTTPPort <= 0 {
		return fmt.Errorf("config.proxy.http_port is required")
	}
	if c.Proxy.RemoteDir == "" {
		return fmt.Errorf("config.proxy.remote_dir is required")
	}
	switch c.Git.CloneProtocol {
	case CloneHTTPS, CloneSSH:
	default:
		return fmt.Errorf("config.git.clone_protocol must be 'https' or 'ssh'")
	}
	if c.SSH.Enabled {
		if c.SSH.Port <= 0 {
			return fmt.Errorf("config.ssh.port is required when ssh is enabled")
		}
		if c.SSH.HostKeyPath == "" {
			return fmt.Errorf("config.ssh.host_key is required when ssh is enabled")
		}
		switch c.SSH.RelayIdentity {
		case RelayProxy, RelayAgent:
		default:
			return fmt.Errorf("config.ssh.relay_identity must be 'proxy' or 'agent'")
		}
	}
	if c.Hook.Timeout <= 0 {
		return fmt.Errorf("config.hook.timeout must be positive")
	}
	for i, r := range c.AuthorisedRepos {
		if r.Project == "" || r.Name == "" {
			return fmt.Errorf("config.authorised_repos[%d] needs project and name", i)
		}
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute url", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	for i, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("config.plugins[%d] has empty name", i)
		}
		if p.Phase != PhasePre && p.Phase != PhasePush {
			return fmt.Errorf("plugin %s phase must be 'pre' or 'push'", p.Name)
		}
		if p.Position < 0 {
			return fmt.Errorf("plugin %s has negative position", p.Name)
		}
	}
	return nil
}

// UpstreamHost returns the host part of the upstream url.
func (c *Config) UpstreamHost() string {
	u, err := url.Parse(c.Proxy.Upstream)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// RelayKey returns the key the proxy uses toward the upstream over ssh,
// for both relayed sessions and staging clones. It falls back to the host
// key when relay_key is unset.
func (c *Config) RelayKey() string {
	if c.SSH.RelayKeyPath != "" {
		return c.SSH.RelayKeyPath
	}
	return c.SSH.HostKeyPath
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "proxy.yml")
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
// Environment references like ${GIT_PROXY_JWT_SECRET} are expanded first.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Git.CloneProtocol = strings.ToLower(cfg.Git.CloneProtocol)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `proxy:
  upstream: https://github.com
  http_port: 8000
  https_port: 8443
  remote_dir: ./.remote
  keep_staging: false
  max_body_bytes: 536870912
  tls:
    key: ./certs/key.pem
    cert: ./certs/cert.pem

ssh:
  enabled: false
  port: 2222
  host_key: ./.ssh/host_key
  upstream_addr: github.com:22
  upstream_user: git
  known_hosts: ""
  relay_identity: proxy
  relay_key: ./.ssh/host_key
  keepalive_interval: 10s
  keepalive_count_max: 3
  ready_timeout: 10s

git:
  clone_protocol: https

hook:
  path: ./hooks/pre-receive.sh
  timeout: 60s

approval:
  auto_approve:
    repos: []
    users: []

authorised_repos:
  - project: finos
    name: git-proxy
    url: https://github.com/finos/git-proxy.git

plugins: []

api:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

db:
  workspace: .

log:
  level: info
  format: text

webhooks: []
`
