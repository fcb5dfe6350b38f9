package processors

import (
	"context"
	"strings"

	"github.com/G-Research/git-proxy/internal/chain"
	"github.com/G-Research/git-proxy/internal/domain"
)

const receivePackRequest = "application/x-git-receive-pack-request"

// ParseAction classifies the request and names its repository. It records
// no step of its own.
type ParseAction struct{}

func (ParseAction) Name() string { return "parseAction" }

func (ParseAction) Process(_ context.Context, req *chain.Request, action *domain.Action) error {
	action.Type = Classify(req)
	action.Method = req.Method
	action.RepoName = RepoNameFromPath(req.Path)
	action.Protocol = req.Protocol
	if req.Protocol == domain.ProtocolSSH && req.SSHUser != nil {
		u := *req.SSHUser
		action.SSHUser = &u
	}
	return nil
}

// Classify maps a request to pull, push or default.
func Classify(req *chain.Request) domain.ActionType {
	last := lastSegment(req.Path)
	switch {
	case strings.HasSuffix(last, "git-upload-pack") && req.Method == "GET":
		return domain.ActionPull
	case last == "git-receive-pack" && req.Method == "POST" && contentType(req) == receivePackRequest:
		return domain.ActionPush
	}
	return domain.ActionDefault
}

// RepoNameFromPath returns "<owner>/<repo>.git" for the first segment ending
// in .git, or domain.RepoNotFound.
func RepoNameFromPath(p string) string {
	segs := splitPath(p)
	for i, s := range segs {
		if strings.HasSuffix(s, ".git") && i > 0 {
			return strings.Trim(segs[i-1]+"/"+s, "/")
		}
	}
	return domain.RepoNotFound
}

func splitPath(p string) []string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// lastSegment keeps the query so that ".../info/refs?service=git-upload-pack"
// ends with the service name.
func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	return p[strings.LastIndexByte(p, '/')+1:]
}

func contentType(req *chain.Request) string {
	if req.Header == nil {
		return ""
	}
	ct := req.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}
