package processors

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/hook"
	"github.com/G-Research/git-proxy/internal/metrics"
)

// ExecuteExternalPreReceiveHook runs the operator's hook inside the staged
// clone. A missing hook is skipped; a non-zero exit or timeout fails the push.
type ExecuteExternalPreReceiveHook struct {
	Path   string
	Runner hook.Runner
}

func (ExecuteExternalPreReceiveHook) Name() string { return "executeExternalPreReceiveHook" }

func (p ExecuteExternalPreReceiveHook) Process(ctx context.Context, _ *chain.Request, action *domain.Action) error {
	step := domain.NewStep(p.Name())
	defer action.AddStep(step)

	if !hook.Exists(p.Path) {
		step.Log(fmt.Sprintf("no pre-receive hook at %s, skipping", p.Path))
		metrics.HookRuns.WithLabelValues("skipped").Inc()
		return nil
	}
	input := fmt.Sprintf("%s %s %s\n", action.CommitFrom, action.CommitTo, action.Branch)
	res, err := p.Runner.Run(ctx, p.Path, action.ProxyGitPath, input)
	switch {
	case errors.Is(err, hook.ErrTimeout):
		metrics.HookRuns.WithLabelValues("timeout").Inc()
		msg := fmt.Sprintf("pre-receive hook %v", err)
		step.SetError(msg)
		return errors.New(msg)
	case err != nil:
		metrics.HookRuns.WithLabelValues("error").Inc()
		step.SetError(err.Error())
		return err
	}
	if res.Stdout != "" {
		step.Log(res.Stdout)
	}
	if res.ExitCode != 0 {
		metrics.HookRuns.WithLabelValues("rejected").Inc()
		msg := res.Message()
		if msg == "" {
			msg = fmt.Sprintf("pre-receive hook exited with code %d", res.ExitCode)
		}
		log.WithFields(log.Fields{"action_id": action.ID, "exit_code": res.ExitCode}).Info("pre-receive hook rejected push")
		step.SetError(msg)
		return errors.New(msg)
	}
	metrics.HookRuns.WithLabelValues("passed").Inc()
	step.SetContent(fmt.Sprintf("pre-receive hook passed in %s", res.Duration.Round(1e6)))
	return nil
}
