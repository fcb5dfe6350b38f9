package processors

import (
	"context"
	"fmt"
	"slices"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
)

// CheckAuthorisation lets a push through when it is auto-approved or a
// reviewer already authorised the same commit, and otherwise holds it as
// pending review.
type CheckAuthorisation struct {
	Engine           engine.Engine
	AutoApproveRepos []string
	AutoApproveUsers []string
}

func (CheckAuthorisation) Name() string { return domain.ApprovalStep }

func (p CheckAuthorisation) Process(ctx context.Context, _ *chain.Request, action *domain.Action) error {
	step := domain.NewStep(p.Name())

	if p.autoApproved(action) {
		step.Log(fmt.Sprintf("push to %s by %s is auto-approved", action.RepoName, action.User))
		action.AllowPush = true
		action.AddStep(step)
		return nil
	}
	prior, err := p.Engine.FindAuthorisedPush(ctx, action)
	if err != nil {
		step.SetError(err.Error())
		action.AddStep(step)
		return err
	}
	if prior != nil {
		step.Log(fmt.Sprintf("commit %s was authorised in push %s", action.CommitTo, prior.ID))
		action.AllowPush = true
		action.AddStep(step)
		return nil
	}

	msg := fmt.Sprintf("push awaiting approval: %s", action.ID)
	step.SetBlocked(msg)
	action.SetBlocked(msg)
	action.AddStep(step)
	return p.Engine.WriteAudit(ctx, action)
}

func (p CheckAuthorisation) autoApproved(action *domain.Action) bool {
	key := domain.RepoKey(action.RepoName)
	if slices.ContainsFunc(p.AutoApproveRepos, func(r string) bool { return domain.RepoKey(r) == key }) {
		return true
	}
	return action.User != "" && slices.Contains(p.AutoApproveUsers, action.User)
}
