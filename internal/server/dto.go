package server

import (
	"encoding/json"

	"github.com/G-Research/git-proxy/internal/domain"
)

// Request payloads

type ReviewRequest struct {
	Reason      string         `json:"reason,omitempty"`
	Attestation map[string]any `json:"attestation,omitempty"`
}

type CreateRepoRequest struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	URL     string `json:"url"`
}

type RepoUserRequest struct {
	Username string `json:"username"`
}

type CreateUserRequest struct {
	Username   string   `json:"username"`
	Password   string   `json:"password,omitempty"`
	Email      string   `json:"email,omitempty"`
	GitAccount string   `json:"git_account,omitempty"`
	Admin      bool     `json:"admin,omitempty"`
	PublicKeys []string `json:"public_keys,omitempty"`
}

type PublicKeyRequest struct {
	PublicKey string `json:"public_key"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type StepResponse struct {
	Name           string   `json:"name"`
	Error          bool     `json:"error"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	Blocked        bool     `json:"blocked"`
	BlockedMessage string   `json:"blocked_message,omitempty"`
	Logs           []string `json:"logs"`
	Content        any      `json:"content,omitempty"`
}

type PushResponse struct {
	ID             string              `json:"id"`
	Status         string              `json:"status" enum:"new,pending,allowed,blocked,error,authorised,rejected,canceled"`
	Repo           string              `json:"repo"`
	URL            string              `json:"url,omitempty"`
	Branch         string              `json:"branch,omitempty"`
	CommitFrom     string              `json:"commit_from,omitempty"`
	CommitTo       string              `json:"commit_to,omitempty"`
	User           string              `json:"user,omitempty"`
	Protocol       string              `json:"protocol"`
	Timestamp      int64               `json:"timestamp"`
	BlockedMessage string              `json:"blocked_message,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Authorised     bool                `json:"authorised"`
	Rejected       bool                `json:"rejected"`
	Canceled       bool                `json:"canceled"`
	Attestation    *domain.Attestation `json:"attestation,omitempty"`
	Steps          []StepResponse      `json:"steps"`
}

type RepoResponse struct {
	Project      string   `json:"project"`
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	CanPush      []string `json:"can_push"`
	CanAuthorise []string `json:"can_authorise"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type UserResponse struct {
	Username   string   `json:"username"`
	Email      string   `json:"email,omitempty"`
	GitAccount string   `json:"git_account,omitempty"`
	Admin      bool     `json:"admin"`
	PublicKeys []string `json:"public_keys"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	Source   string `json:"source" enum:"jwt,api_key"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func pushResponse(a *domain.Action) PushResponse {
	res := PushResponse{
		ID:             a.ID,
		Status:         a.Status(),
		Repo:           a.RepoName,
		URL:            a.URL,
		Branch:         a.Branch,
		CommitFrom:     a.CommitFrom,
		CommitTo:       a.CommitTo,
		User:           a.User,
		Protocol:       a.Protocol,
		Timestamp:      a.Timestamp,
		BlockedMessage: a.BlockedMessage,
		ErrorMessage:   a.ErrorMessage,
		Authorised:     a.Authorised,
		Rejected:       a.Rejected,
		Canceled:       a.Canceled,
		Attestation:    a.Attestation,
		Steps:          make([]StepResponse, 0, len(a.Steps)),
	}
	for _, s := range a.Steps {
		res.Steps = append(res.Steps, StepResponse{
			Name:           s.Name,
			Error:          s.Error,
			ErrorMessage:   s.ErrorMessage,
			Blocked:        s.Blocked,
			BlockedMessage: s.BlockedMsg,
			Logs:           nonNilSlice(s.Logs),
			Content:        s.Content,
		})
	}
	return res
}

func repoResponse(r domain.Repo) RepoResponse {
	return RepoResponse{
		Project:      r.Project,
		Name:         r.Name,
		URL:          r.URL,
		CanPush:      nonNilSlice(r.CanPush),
		CanAuthorise: nonNilSlice(r.CanAuthorise),
		CreatedAt:    r.CreatedAt,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		Username:   u.Username,
		Email:      u.Email,
		GitAccount: u.GitAccount,
		Admin:      u.Admin,
		PublicKeys: nonNilSlice(u.PublicKeys),
		CreatedAt:  u.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
