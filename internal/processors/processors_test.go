package processors_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/processors"
	"github.com/G-Research/git-proxy/internal/proxytest"
	"github.com/G-Research/git-proxy/internal/repo"
)

const receivePackType = "application/x-git-receive-pack-request"

func basicHeader(user, pass string) http.Header {
	r, _ := http.NewRequest(http.MethodPost, "/", nil)
	r.SetBasicAuth(user, pass)
	h := r.Header
	h.Set("Content-Type", receivePackType)
	return h
}

func pushRequest(body []byte) *chain.Request {
	return &chain.Request{
		Protocol: domain.ProtocolHTTPS,
		Method:   http.MethodPost,
		Path:     "/org/repo.git/git-receive-pack",
		Header:   basicHeader("alice", "alice-pw"),
		Body:     body,
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path, ct string
		want             domain.ActionType
	}{
		{"GET", "/org/repo.git/info/refs?service=git-upload-pack", "", domain.ActionPull},
		{"GET", "/org/repo.git/git-upload-pack", "", domain.ActionPull},
		{"POST", "/org/repo.git/git-upload-pack", "application/x-git-upload-pack-request", domain.ActionDefault},
		{"POST", "/org/repo.git/git-receive-pack", receivePackType, domain.ActionPush},
		{"POST", "/org/repo.git/git-receive-pack", "text/plain", domain.ActionDefault},
		{"GET", "/org/repo.git/info/refs?service=git-receive-pack", "", domain.ActionDefault},
	}
	for _, c := range cases {
		h := http.Header{}
		if c.ct != "" {
			h.Set("Content-Type", c.ct)
		}
		got := processors.Classify(&chain.Request{Method: c.method, Path: c.path, Header: h})
		assert.Equal(t, c.want, got, "%s %s", c.method, c.path)
	}
}

func TestRepoNameFromPath(t *testing.T) {
	assert.Equal(t, "org/repo.git", processors.RepoNameFromPath("/org/repo.git/info/refs?service=git-upload-pack"))
	assert.Equal(t, "org/repo.git", processors.RepoNameFromPath("org/repo.git"))
	assert.Equal(t, domain.RepoNotFound, processors.RepoNameFromPath("/org/repo/info/refs"))
	assert.Equal(t, domain.RepoNotFound, processors.RepoNameFromPath("/repo.git"))
}

func TestParseActionCopiesSSHUser(t *testing.T) {
	u := &domain.SSHUser{Username: "alice"}
	a := domain.NewAction("1", domain.ActionDefault, "", 1, domain.RepoNotFound)
	req := &chain.Request{Protocol: domain.ProtocolSSH, Method: "GET", Path: "/org/repo.git/git-upload-pack", SSHUser: u}
	require.NoError(t, processors.ParseAction{}.Process(context.Background(), req, a))
	assert.Equal(t, domain.ActionPull, a.Type)
	assert.Equal(t, "org/repo.git", a.RepoName)
	require.NotNil(t, a.SSHUser)
	assert.Equal(t, "alice", a.SSHUser.Username)
	assert.NotSame(t, u, a.SSHUser)
	assert.Empty(t, a.Steps)
}

func TestParseRefUpdates(t *testing.T) {
	body := proxytest.ReceivePackBody(proxytest.ZeroSHA, proxytest.CommitSHA, "refs/heads/main")
	updates, err := processors.ParseRefUpdates(body, "")
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, processors.RefUpdate{Old: proxytest.ZeroSHA, New: proxytest.CommitSHA, Ref: "refs/heads/main"}, updates[0])

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, _ = w.Write(body)
	require.NoError(t, w.Close())
	updates, err = processors.ParseRefUpdates(gz.Bytes(), "gzip")
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", updates[0].Ref)

	_, err = processors.ParseRefUpdates(nil, "")
	assert.Error(t, err)
}

func TestParsePushResolvesUser(t *testing.T) {
	body := proxytest.ReceivePackBody(proxytest.ZeroSHA, proxytest.CommitSHA, "refs/heads/main")
	a := domain.NewAction("1", domain.ActionPush, "POST", 1, "org/repo.git")
	require.NoError(t, processors.ParsePush{}.Process(context.Background(), pushRequest(body), a))
	assert.Equal(t, "alice", a.User)
	assert.Equal(t, proxytest.CommitSHA, a.CommitTo)
	assert.Equal(t, "refs/heads/main", a.Branch)

	ssh := domain.NewAction("2", domain.ActionPush, "POST", 2, "org/repo.git")
	ssh.SSHUser = &domain.SSHUser{Username: "bob"}
	req := &chain.Request{Protocol: domain.ProtocolSSH, Method: "POST"}
	require.NoError(t, processors.ParsePush{}.Process(context.Background(), req, ssh))
	assert.Equal(t, "bob", ssh.User)
	assert.Empty(t, ssh.CommitTo)
	require.Len(t, ssh.Steps, 1)
	assert.False(t, ssh.Steps[0].Error)
}

func TestCheckRepoInAuthorisedList(t *testing.T) {
	eng := proxytest.Engine(t, nil)
	p := processors.CheckRepoInAuthorisedList{Repo: eng.Repo, Upstream: "https://github.com"}
	ctx := context.Background()

	known := domain.NewAction("1", domain.ActionPull, "GET", 1, "org/repo.git")
	require.NoError(t, p.Process(ctx, nil, known))
	assert.False(t, known.Blocked)
	assert.Equal(t, "https://github.com/org/repo.git", known.URL)

	unknown := domain.NewAction("2", domain.ActionPull, "GET", 2, "org/other.git")
	require.NoError(t, p.Process(ctx, nil, unknown))
	assert.True(t, unknown.Blocked)
	assert.Contains(t, unknown.BlockedMessage, "org/other.git")

	missing := domain.NewAction("3", domain.ActionPull, "GET", 3, domain.RepoNotFound)
	require.NoError(t, p.Process(ctx, nil, missing))
	assert.True(t, missing.Blocked)
	assert.Equal(t, "blocked", missing.Status())
}

func TestCheckUserPushPermission(t *testing.T) {
	eng := proxytest.Engine(t, nil)
	p := processors.CheckUserPushPermission{Repo: eng.Repo, Auth: eng.Auth}
	ctx := context.Background()

	ok := domain.NewAction("1", domain.ActionPush, "POST", 1, "org/repo.git")
	ok.User = "alice"
	require.NoError(t, p.Process(ctx, nil, ok))
	assert.True(t, ok.Continue())

	denied := domain.NewAction("2", domain.ActionPush, "POST", 2, "org/repo.git")
	denied.User = "bob"
	require.NoError(t, p.Process(ctx, nil, denied))
	assert.True(t, denied.Blocked)

	stranger := domain.NewAction("3", domain.ActionPush, "POST", 3, "org/repo.git")
	stranger.User = "mallory"
	require.NoError(t, p.Process(ctx, nil, stranger))
	assert.Contains(t, stranger.BlockedMessage, "not registered")
}

func TestPullRemote(t *testing.T) {
	dir := t.TempDir()
	cloner := &proxytest.Cloner{}
	p := processors.PullRemote{Cloner: cloner, RemoteDir: dir, CloneProtocol: "https"}
	a := domain.NewAction("42", domain.ActionPush, "POST", 42, "org/repo.git")
	a.URL = "https://github.com/org/repo.git"

	require.NoError(t, p.Process(context.Background(), pushRequest(nil), a))
	want := filepath.Join(dir, "42", "org", "repo.git")
	assert.Equal(t, want, a.ProxyGitPath)
	require.Len(t, cloner.Requests, 1)
	assert.Equal(t, "alice", cloner.Requests[0].Username)
	assert.Equal(t, "alice-pw", cloner.Requests[0].Password)
	assert.Equal(t, "Completed clone for https://github.com/org/repo.git", a.Steps[0].Content)

	processors.ReleaseStaging(dir, a)
	_, err := os.Stat(filepath.Join(dir, "42"))
	assert.True(t, os.IsNotExist(err))
}

func TestPullRemoteSSHAndFailures(t *testing.T) {
	cloner := &proxytest.Cloner{}
	p := processors.PullRemote{Cloner: cloner, RemoteDir: t.TempDir(), CloneProtocol: "https"}
	a := domain.NewAction("1", domain.ActionPush, "POST", 1, "org/repo.git")
	a.Protocol = domain.ProtocolSSH
	a.URL = "https://github.com/org/repo.git"
	require.NoError(t, p.Process(context.Background(), &chain.Request{Protocol: domain.ProtocolSSH}, a))
	assert.Equal(t, "git@github.com:org/repo.git", cloner.Requests[0].URL)

	noCreds := domain.NewAction("2", domain.ActionPush, "POST", 2, "org/repo.git")
	err := p.Process(context.Background(), &chain.Request{Header: http.Header{}}, noCreds)
	require.Error(t, err)
	assert.True(t, noCreds.Steps[0].Error)

	failing := processors.PullRemote{Cloner: &proxytest.Cloner{Err: errors.New("auth failed")}, RemoteDir: t.TempDir()}
	b := domain.NewAction("3", domain.ActionPush, "POST", 3, "org/repo.git")
	err = failing.Process(context.Background(), pushRequest(nil), b)
	require.Error(t, err)
	assert.Contains(t, b.Steps[0].ErrorMessage, "auth failed")

	escape := domain.NewAction("4", domain.ActionPush, "POST", 4, "../../etc")
	require.Error(t, p.Process(context.Background(), pushRequest(nil), escape))
}

func writeHook(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pre-receive.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestPreReceiveHook(t *testing.T) {
	ctx := context.Background()
	staged := t.TempDir()
	newAction := func() *domain.Action {
		a := domain.NewAction("1", domain.ActionPush, "POST", 1, "org/repo.git")
		a.ProxyGitPath = staged
		a.CommitFrom, a.CommitTo, a.Branch = proxytest.ZeroSHA, proxytest.CommitSHA, "refs/heads/main"
		return a
	}

	skipped := newAction()
	require.NoError(t, processors.ExecuteExternalPreReceiveHook{Path: filepath.Join(staged, "missing.sh")}.Process(ctx, nil, skipped))
	assert.False(t, skipped.Steps[0].Error)

	pass := newAction()
	hookPath := writeHook(t, "read from to ref\ntest \"$ref\" = refs/heads/main\n")
	require.NoError(t, processors.ExecuteExternalPreReceiveHook{Path: hookPath}.Process(ctx, nil, pass))
	assert.False(t, pass.Steps[0].Error)

	fail := newAction()
	hookPath = writeHook(t, "echo 'secrets found' >&2\nexit 3\n")
	err := processors.ExecuteExternalPreReceiveHook{Path: hookPath}.Process(ctx, nil, fail)
	require.Error(t, err)
	assert.Equal(t, "secrets found", fail.Steps[0].ErrorMessage)

	silent := newAction()
	hookPath = writeHook(t, "exit 2\n")
	err = processors.ExecuteExternalPreReceiveHook{Path: hookPath}.Process(ctx, nil, silent)
	require.Error(t, err)
	assert.Equal(t, "pre-receive hook exited with code 2", err.Error())
}

func TestHookRejectionErrorsTheChain(t *testing.T) {
	cfg := proxytest.Config(t)
	cfg.Hook.Path = writeHook(t, "echo denied >&2\nexit 1\n")
	eng := proxytest.Engine(t, cfg)
	c := processors.Build(cfg, eng, &proxytest.Cloner{})

	body := proxytest.ReceivePackBody(proxytest.ZeroSHA, proxytest.CommitSHA, "refs/heads/main")
	action := c.Execute(context.Background(), pushRequest(body))

	assert.True(t, action.Error)
	assert.False(t, action.Blocked)
	assert.Equal(t, "denied", action.ErrorMessage)
	assert.Equal(t, "error", action.Status())
	last := action.Steps[len(action.Steps)-1]
	assert.Equal(t, "executeExternalPreReceiveHook", last.Name)
	assert.True(t, last.Error)
}

func TestBuildClonesWithEffectiveRelayKey(t *testing.T) {
	cfg := proxytest.Config(t)
	cfg.SSH.HostKeyPath = "/etc/git-proxy/host_key"
	cfg.SSH.RelayKeyPath = ""
	c := processors.Build(cfg, proxytest.Engine(t, cfg), nil)

	var pull processors.PullRemote
	for _, p := range c.Push {
		if pr, ok := p.(processors.PullRemote); ok {
			pull = pr
		}
	}
	cloner, ok := pull.Cloner.(processors.GoGitCloner)
	require.True(t, ok)
	assert.Equal(t, "/etc/git-proxy/host_key", cloner.KeyPath)
}

func TestCheckAuthorisation(t *testing.T) {
	eng := proxytest.Engine(t, nil)
	ctx := context.Background()
	p := processors.CheckAuthorisation{Engine: eng}
	newPush := func(id string) *domain.Action {
		a := domain.NewAction(id, domain.ActionPush, "POST", 1, "org/repo.git")
		a.User = "alice"
		a.Branch, a.CommitFrom, a.CommitTo = "refs/heads/main", proxytest.ZeroSHA, proxytest.CommitSHA
		return a
	}

	first := newPush("100")
	require.NoError(t, p.Process(ctx, nil, first))
	assert.Equal(t, "pending", first.Status())
	assert.Equal(t, "push awaiting approval: 100", first.BlockedMessage)
	stored, err := eng.GetPush(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "pending", stored.Status())

	_, err = eng.Authorise(ctx, "100", engine.Review{Reviewer: "bob"})
	require.NoError(t, err)

	again := newPush("101")
	require.NoError(t, p.Process(ctx, nil, again))
	assert.True(t, again.AllowPush)
	assert.False(t, again.Blocked)

	auto := processors.CheckAuthorisation{Engine: eng, AutoApproveRepos: []string{"Org/Repo"}}
	other := newPush("102")
	other.CommitTo = "3333333333333333333333333333333333333333"
	require.NoError(t, auto.Process(ctx, nil, other))
	assert.True(t, other.AllowPush)
}

func TestBuiltChainHoldsPushForApproval(t *testing.T) {
	cfg := proxytest.Config(t)
	eng := proxytest.Engine(t, cfg)
	cloner := &proxytest.Cloner{}
	c := processors.Build(cfg, eng, cloner)

	body := proxytest.ReceivePackBody(proxytest.ZeroSHA, proxytest.CommitSHA, "refs/heads/main")
	a := c.Execute(context.Background(), pushRequest(body))

	assert.Equal(t, domain.ActionPush, a.Type)
	assert.Equal(t, "pending", a.Status())
	names := make([]string, 0, len(a.Steps))
	for _, s := range a.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		"checkRepoInAuthorisedList",
		"parsePush",
		"checkUserPushPermission",
		"pullRemote",
		"executeExternalPreReceiveHook",
		"checkAuthorisation",
	}, names)
	pending, err := eng.Repo.GetPushes(context.Background(), repo.Pending())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
}

func TestBuiltChainPullRunsOnlyPreProcessors(t *testing.T) {
	cfg := proxytest.Config(t)
	eng := proxytest.Engine(t, cfg)
	c := processors.Build(cfg, eng, &proxytest.Cloner{})
	a := c.Execute(context.Background(), &chain.Request{Protocol: domain.ProtocolSSH, Method: "GET", Path: "/org/repo.git/git-upload-pack"})
	assert.Equal(t, domain.ActionPull, a.Type)
	assert.True(t, a.Continue())
	assert.Len(t, a.Steps, 1)
}
