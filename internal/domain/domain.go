package domain

import "strings"

type User struct {
	Username   string   `json:"username"`
	Password   string   `json:"-"`
	Email      string   `json:"email,omitempty"`
	GitAccount string   `json:"git_account,omitempty"`
	Admin      bool     `json:"admin"`
	PublicKeys []string `json:"public_keys,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Repo struct {
	Project      string   `json:"project"`
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	CanPush      []string `json:"can_push"`
	CanAuthorise []string `json:"can_authorise"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Key is the lookup key of the repo: "<project>/<name>", lowercased.
func (r Repo) Key() string {
	return RepoKey(r.Project + "/" + r.Name)
}

// RepoKey normalizes an action repo name ("owner/repo.git") or a
// "project/name" pair into the store key.
func RepoKey(name string) string {
	name = strings.ToLower(strings.Trim(strings.TrimSpace(name), "/"))
	return strings.TrimSuffix(name, ".git")
}

type Attestation struct {
	ID        string         `json:"id"`
	Reviewer  string         `json:"reviewer"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
