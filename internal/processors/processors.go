// Package processors holds the built-in chain steps.
package processors

import (
	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/hook"
)

// Build assembles the built-in chain. A nil cloner uses go-git with the
// relay key.
func Build(cfg *config.Config, eng engine.Engine, cloner Cloner) *chain.Chain {
	if cloner == nil {
		cloner = GoGitCloner{KeyPath: cfg.RelayKey(), KnownHostsPath: cfg.SSH.KnownHostsPath}
	}
	return &chain.Chain{
		Pre: []chain.Processor{
			ParseAction{},
			CheckRepoInAuthorisedList{Repo: eng.Repo, Upstream: cfg.Proxy.Upstream},
		},
		Push: []chain.Processor{
			ParsePush{},
			CheckUserPushPermission{Repo: eng.Repo, Auth: eng.Auth},
			PullRemote{Cloner: cloner, RemoteDir: cfg.Proxy.RemoteDir, CloneProtocol: cfg.Git.CloneProtocol},
			ExecuteExternalPreReceiveHook{Path: cfg.Hook.Path, Runner: hook.Runner{Timeout: cfg.Hook.Timeout.Std()}},
			CheckAuthorisation{
				Engine:           eng,
				AutoApproveRepos: cfg.Approval.AutoApprove.Repos,
				AutoApproveUsers: cfg.Approval.AutoApprove.Users,
			},
		},
		Now: eng.Now,
	}
}
