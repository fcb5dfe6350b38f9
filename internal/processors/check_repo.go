package processors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/repo"
)

// CheckRepoInAuthorisedList blocks requests for repositories the proxy does
// not know and resolves the upstream url of the ones it does.
type CheckRepoInAuthorisedList struct {
	Repo     repo.Repo
	Upstream string
}

func (CheckRepoInAuthorisedList) Name() string { return "checkRepoInAuthorisedList" }

func (p CheckRepoInAuthorisedList) Process(ctx context.Context, _ *chain.Request, action *domain.Action) error {
	step := domain.NewStep(p.Name())
	defer action.AddStep(step)

	if action.RepoName == domain.RepoNotFound {
		msg := "repository not found in request path"
		step.SetBlocked(msg)
		action.SetBlocked(msg)
		return nil
	}
	rp, err := p.Repo.GetRepo(ctx, action.RepoName)
	if errors.Is(err, repo.ErrNotFound) {
		msg := fmt.Sprintf("repository %s is not in the authorised list", action.RepoName)
		step.SetBlocked(msg)
		action.SetBlocked(msg)
		return nil
	}
	if err != nil {
		step.SetError(err.Error())
		return err
	}
	action.URL = rp.URL
	if action.URL == "" {
		action.URL = strings.TrimSuffix(p.Upstream, "/") + "/" + action.RepoName
	}
	step.Log(fmt.Sprintf("repository %s is authorised", action.RepoName))
	return nil
}
