package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine/auth"
	"github.com/G-Research/git-proxy/internal/repo"
)

// CheckUserPushPermission resolves the pusher to a proxy user and blocks the
// push unless that user may push to the repository.
type CheckUserPushPermission struct {
	Repo repo.Repo
	Auth auth.Service
}

func (CheckUserPushPermission) Name() string { return "checkUserPushPermission" }

func (p CheckUserPushPermission) Process(ctx context.Context, _ *chain.Request, action *domain.Action) error {
	step := domain.NewStep(p.Name())
	defer action.AddStep(step)

	block := func(msg string) error {
		step.SetBlocked(msg)
		action.SetBlocked(msg)
		return nil
	}
	if action.User == "" {
		return block("push has no identifiable user")
	}
	u, err := p.Repo.FindUser(ctx, action.User)
	if errors.Is(err, repo.ErrNotFound) {
		u, err = p.Repo.FindUserByGitAccount(ctx, action.User)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return block(fmt.Sprintf("user %s is not registered with the proxy", action.User))
	}
	if err != nil {
		step.SetError(err.Error())
		return err
	}
	action.User = u.Username

	ok, err := p.Auth.UserCanPush(ctx, nil, domain.RepoKey(action.RepoName), u.Username)
	if err != nil {
		step.SetError(err.Error())
		return err
	}
	if !ok {
		return block(fmt.Sprintf("user %s is not allowed to push to %s", u.Username, action.RepoName))
	}
	step.Log(fmt.Sprintf("user %s may push to %s", u.Username, action.RepoName))
	return nil
}
