package processors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/domain"
)

// CloneRequest describes one staging clone.
type CloneRequest struct {
	Dir      string
	URL      string
	Username string
	Password string
}

// Cloner fetches a repository into a local directory.
type Cloner interface {
	Clone(ctx context.Context, req CloneRequest) error
}

// GoGitCloner clones with go-git. HTTPS clones use the request's basic
// credentials; SSH clones authenticate with KeyPath.
type GoGitCloner struct {
	KeyPath        string
	KnownHostsPath string
	Depth          int
}

func (c GoGitCloner) Clone(ctx context.Context, req CloneRequest) error {
	opts := &git.CloneOptions{URL: req.URL, Depth: c.Depth}
	authMethod, err := c.auth(req)
	if err != nil {
		return err
	}
	opts.Auth = authMethod
	_, err = git.PlainCloneContext(ctx, req.Dir, false, opts)
	return err
}

func (c GoGitCloner) auth(req CloneRequest) (transport.AuthMethod, error) {
	if strings.HasPrefix(req.URL, "git@") || strings.HasPrefix(req.URL, "ssh://") {
		keys, err := gitssh.NewPublicKeysFromFile("git", c.KeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("load clone key: %w", err)
		}
		if c.KnownHostsPath != "" {
			cb, err := knownhosts.New(c.KnownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("load known hosts: %w", err)
			}
			keys.HostKeyCallback = cb
		} else {
			keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		}
		return keys, nil
	}
	if req.Username == "" && req.Password == "" {
		return nil, nil
	}
	return &githttp.BasicAuth{Username: req.Username, Password: req.Password}, nil
}

// PullRemote clones the target repository into the action's staging
// directory. SSH requests, or every request when CloneProtocol is ssh, clone
// over SSH with the proxy's key; the rest reuse the caller's credentials.
type PullRemote struct {
	Cloner        Cloner
	RemoteDir     string
	CloneProtocol string
}

func (PullRemote) Name() string { return "pullRemote" }

func (p PullRemote) Process(ctx context.Context, req *chain.Request, action *domain.Action) error {
	step := domain.NewStep(p.Name())
	defer action.AddStep(step)

	fail := func(err error) error {
		step.SetError(err.Error())
		return err
	}
	dir, err := StagingPath(p.RemoteDir, action)
	if err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fail(fmt.Errorf("create staging dir: %w", err))
	}

	cr := CloneRequest{Dir: dir, URL: action.URL}
	if action.Protocol == domain.ProtocolSSH || p.CloneProtocol == config.CloneSSH {
		cr.URL = SSHCloneURL(action.URL)
	} else {
		user, pass, ok := req.BasicAuth()
		if !ok {
			return fail(errors.New("missing credentials for clone"))
		}
		cr.Username, cr.Password = user, pass
	}
	step.Log(fmt.Sprintf("cloning %s into %s", cr.URL, dir))
	if err := p.Cloner.Clone(ctx, cr); err != nil {
		return fail(fmt.Errorf("clone %s: %w", cr.URL, err))
	}
	action.ProxyGitPath = dir
	step.SetContent(fmt.Sprintf("Completed clone for %s", cr.URL))
	return nil
}

// StagingPath returns <remoteDir>/<timestamp>/<repoName>, refusing names
// that would escape the staging root.
func StagingPath(remoteDir string, action *domain.Action) (string, error) {
	root := filepath.Join(remoteDir, strconv.FormatInt(action.Timestamp, 10))
	dir := filepath.Join(root, filepath.FromSlash(action.RepoName))
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid repository name %q", action.RepoName)
	}
	return dir, nil
}

// ReleaseStaging removes the per-action staging root.
func ReleaseStaging(remoteDir string, action *domain.Action) {
	if action == nil || action.Type != domain.ActionPush {
		return
	}
	root := filepath.Join(remoteDir, strconv.FormatInt(action.Timestamp, 10))
	if err := os.RemoveAll(root); err != nil {
		log.WithError(err).WithField("dir", root).Warn("failed to release staging directory")
	}
}

// SSHCloneURL turns https://host/owner/repo.git into git@host:owner/repo.git.
func SSHCloneURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return raw
	}
	return "git@" + u.Hostname() + ":" + strings.TrimPrefix(u.Path, "/")
}
