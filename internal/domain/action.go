package domain

import (
	"strconv"
	"sync/atomic"
	"time"
)

type ActionType string

const (
	ActionPull    ActionType = "pull"
	ActionPush    ActionType = "push"
	ActionDefault ActionType = "default"
)

const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolSSH   = "ssh"
)

// RepoNotFound is the repo name of requests whose path names no repository.
const RepoNotFound = "NOT-FOUND"

type SSHKeyInfo struct {
	Algorithm       string `json:"algorithm"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	PublicKeyString string `json:"public_key"`
	Comment         string `json:"comment,omitempty"`
}

type SSHUser struct {
	Username   string     `json:"username"`
	UserID     string     `json:"user_id,omitempty"`
	SSHKeyInfo SSHKeyInfo `json:"ssh_key_info"`
}

// Step is the audit record of one processor run.
type Step struct {
	Name         string   `json:"name"`
	Error        bool     `json:"error"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Blocked      bool     `json:"blocked"`
	BlockedMsg   string   `json:"blocked_message,omitempty"`
	Logs         []string `json:"logs"`
	Content      any      `json:"content,omitempty"`
}

func NewStep(name string) *Step {
	return &Step{Name: name, Logs: []string{}}
}

func (s *Step) Log(msg string) {
	s.Logs = append(s.Logs, msg)
}

func (s *Step) SetError(msg string) {
	s.Error = true
	s.ErrorMessage = msg
}

func (s *Step) SetBlocked(msg string) {
	s.Blocked = true
	s.BlockedMsg = msg
}

func (s *Step) SetContent(c any) {
	s.Content = c
}

// Action is the audit record of one proxied git request.
type Action struct {
	ID             string       `json:"id"`
	Type           ActionType   `json:"type"`
	Method         string       `json:"method"`
	Timestamp      int64        `json:"timestamp"`
	RepoName       string       `json:"repo"`
	Protocol       string       `json:"protocol"`
	SSHUser        *SSHUser     `json:"ssh_user,omitempty"`
	User           string       `json:"user,omitempty"`
	URL            string       `json:"url,omitempty"`
	ProxyGitPath   string       `json:"proxy_git_path,omitempty"`
	Branch         string       `json:"branch,omitempty"`
	CommitFrom     string       `json:"commit_from,omitempty"`
	CommitTo       string       `json:"commit_to,omitempty"`
	Steps          []*Step      `json:"steps"`
	Error          bool         `json:"error"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	Blocked        bool         `json:"blocked"`
	BlockedMessage string       `json:"blocked_message,omitempty"`
	AllowPush      bool         `json:"allow_push"`
	Authorised     bool         `json:"authorised"`
	Canceled       bool         `json:"canceled"`
	Rejected       bool         `json:"rejected"`
	Attestation    *Attestation `json:"attestation,omitempty"`
}

func NewAction(id string, typ ActionType, method string, timestamp int64, repoName string) *Action {
	return &Action{
		ID:        id,
		Type:      typ,
		Method:    method,
		Timestamp: timestamp,
		RepoName:  repoName,
		Steps:     []*Step{},
	}
}

func (a *Action) AddStep(s *Step) {
	a.Steps = append(a.Steps, s)
}

func (a *Action) SetError(msg string) {
	a.Error = true
	a.ErrorMessage = msg
}

func (a *Action) SetBlocked(msg string) {
	a.Blocked = true
	a.BlockedMessage = msg
}

// Continue reports whether later processors should run.
func (a *Action) Continue() bool {
	return !a.Error && !a.Blocked
}

// ApprovalStep is the name of the step that holds pushes for review.
const ApprovalStep = "checkAuthorisation"

// AwaitingApproval reports whether the action was stopped by the approval
// step rather than by an earlier policy.
func (a *Action) AwaitingApproval() bool {
	if !a.Blocked || len(a.Steps) == 0 {
		return false
	}
	last := a.Steps[len(a.Steps)-1]
	return last.Name == ApprovalStep && last.Blocked
}

// Status summarizes the approval state of a push.
func (a *Action) Status() string {
	switch {
	case a.Authorised:
		return "authorised"
	case a.Rejected:
		return "rejected"
	case a.Canceled:
		return "canceled"
	case a.Error:
		return "error"
	case a.AllowPush:
		return "allowed"
	case a.AwaitingApproval():
		return "pending"
	case a.Blocked:
		return "blocked"
	default:
		return "new"
	}
}

// SetAuthorised, SetRejected and SetCanceled keep the three review
// outcomes mutually exclusive.
func (a *Action) SetAuthorised(att *Attestation) {
	a.Authorised, a.Rejected, a.Canceled = true, false, false
	a.Attestation = att
}

func (a *Action) SetRejected(att *Attestation) {
	a.Authorised, a.Rejected, a.Canceled = false, true, false
	a.Attestation = att
}

func (a *Action) SetCanceled() {
	a.Authorised, a.Rejected, a.Canceled = false, false, true
}

var lastActionMillis atomic.Int64

// NextActionTime returns a unix millisecond timestamp strictly greater than
// any previously returned one, so action ids and staging paths never collide
// within the process.
func NextActionTime(now time.Time) int64 {
	ms := now.UnixMilli()
	for {
		last := lastActionMillis.Load()
		next := ms
		if next <= last {
			next = last + 1
		}
		if lastActionMillis.CompareAndSwap(last, next) {
			return next
		}
	}
}

// ActionID formats a timestamp from NextActionTime as an action id.
func ActionID(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
