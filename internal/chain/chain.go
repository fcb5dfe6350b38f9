// Package chain runs the ordered processors that decide the fate of every
// proxied git request.
package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/metrics"
)

// Request is the protocol-neutral description of an inbound git request.
type Request struct {
	Protocol   string
	Method     string
	Path       string
	Header     http.Header
	Body       []byte
	SSHUser    *domain.SSHUser
	RemoteAddr string
}

// BasicAuth decodes the Authorization header, if any.
func (r *Request) BasicAuth() (username, password string, ok bool) {
	if r == nil || r.Header == nil {
		return "", "", false
	}
	const prefix = "Basic "
	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(raw), ":")
	return username, password, ok
}

// Processor inspects or mutates an action. A returned error marks the
// action errored and stops the chain.
type Processor interface {
	Name() string
	Process(ctx context.Context, req *Request, action *domain.Action) error
}

type funcProcessor struct {
	name string
	fn   func(ctx context.Context, req *Request, action *domain.Action) error
}

func (f funcProcessor) Name() string { return f.name }

func (f funcProcessor) Process(ctx context.Context, req *Request, action *domain.Action) error {
	return f.fn(ctx, req, action)
}

// Func adapts a function into a named Processor.
func Func(name string, fn func(ctx context.Context, req *Request, action *domain.Action) error) Processor {
	return funcProcessor{name: name, fn: fn}
}

// Chain holds the processors, assembled once at startup. Pre processors run
// for every request; Push processors only for push actions.
type Chain struct {
	Pre  []Processor
	Push []Processor
	Now  func() time.Time
}

// Execute runs the chain and returns the resulting action. It never
// returns nil; failures are recorded on the action.
func (c *Chain) Execute(ctx context.Context, req *Request) *domain.Action {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	ts := domain.NextActionTime(now())
	action := domain.NewAction(domain.ActionID(ts), domain.ActionDefault, req.Method, ts, domain.RepoNotFound)
	action.Protocol = req.Protocol

	logger := log.WithFields(log.Fields{"action_id": action.ID, "protocol": req.Protocol, "path": req.Path})

	c.run(ctx, logger, c.Pre, req, action)
	if action.Continue() && action.Type == domain.ActionPush {
		c.run(ctx, logger, c.Push, req, action)
	}

	outcome := "allowed"
	switch {
	case action.Blocked:
		outcome = "blocked"
	case action.Error:
		outcome = "error"
	}
	metrics.ActionsTotal.WithLabelValues(string(action.Type), action.Protocol, outcome).Inc()
	logger.WithFields(log.Fields{"type": action.Type, "repo": action.RepoName, "outcome": outcome}).Info("chain finished")
	return action
}

func (c *Chain) run(ctx context.Context, logger *log.Entry, procs []Processor, req *Request, action *domain.Action) {
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			action.SetError(fmt.Sprintf("request canceled before %s: %v", p.Name(), err))
			return
		}
		start := time.Now()
		err := safeProcess(ctx, p, req, action)
		metrics.StepDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			logger.WithError(err).WithField("step", p.Name()).Warn("processor failed")
			action.SetError(err.Error())
			return
		}
		if !action.Continue() {
			logger.WithFields(log.Fields{"step": p.Name(), "blocked": action.Blocked}).Info("chain stopped")
			return
		}
	}
}

func safeProcess(ctx context.Context, p Processor, req *Request, action *domain.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Process(ctx, req, action)
}

// Insert places p at position within procs, clamping to the valid range.
func Insert(procs []Processor, p Processor, position int) []Processor {
	if position < 0 {
		position = 0
	}
	if position > len(procs) {
		position = len(procs)
	}
	out := make([]Processor, 0, len(procs)+1)
	out = append(out, procs[:position]...)
	out = append(out, p)
	return append(out, procs[position:]...)
}
