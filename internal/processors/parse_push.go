package processors

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/protocol/packp"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
)

// RefUpdate is one command line of a receive-pack request.
type RefUpdate struct {
	Old string `json:"old"`
	New string `json:"new"`
	Ref string `json:"ref"`
}

// ParsePush reads the ref update commands at the head of a receive-pack
// body and identifies the pusher.
type ParsePush struct{}

func (ParsePush) Name() string { return "parsePush" }

func (p ParsePush) Process(_ context.Context, req *chain.Request, action *domain.Action) error {
	step := domain.NewStep(p.Name())
	defer action.AddStep(step)

	switch {
	case action.SSHUser != nil:
		action.User = action.SSHUser.Username
	default:
		if user, _, ok := req.BasicAuth(); ok {
			action.User = user
		}
	}

	updates, err := ParseRefUpdates(req.Body, req.Header.Get("Content-Encoding"))
	if err != nil {
		step.Log(fmt.Sprintf("no ref updates parsed: %v", err))
		return nil
	}
	first := updates[0]
	action.CommitFrom, action.CommitTo, action.Branch = first.Old, first.New, first.Ref
	if len(updates) > 1 {
		step.Log(fmt.Sprintf("push updates %d refs; reviewing %s", len(updates), first.Ref))
	}
	step.SetContent(updates)
	return nil
}

// ParseRefUpdates decodes the pkt-line commands of a receive-pack request.
func ParseRefUpdates(body []byte, encoding string) ([]RefUpdate, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	var r io.Reader = bytes.NewReader(body)
	if strings.EqualFold(strings.TrimSpace(encoding), "gzip") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	upd := packp.NewReferenceUpdateRequest()
	if err := upd.Decode(r); err != nil {
		return nil, err
	}
	out := make([]RefUpdate, 0, len(upd.Commands))
	for _, c := range upd.Commands {
		out = append(out, RefUpdate{Old: c.Old.String(), New: c.New.String(), Ref: c.Name.String()})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no commands")
	}
	return out, nil
}
