package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/G-Research/git-proxy/internal/domain"
)

type PushQuery struct {
	Repo       string
	Branch     string
	CommitTo   string
	User       string
	Error      *bool
	Blocked    *bool
	AllowPush  *bool
	Authorised *bool
	Rejected   *bool
	Canceled   *bool
	Awaiting   *bool
	Limit      int
}

// Pending returns the query for pushes still awaiting review.
func Pending() PushQuery {
	f, t := false, true
	return PushQuery{Error: &f, Awaiting: &t, AllowPush: &f, Authorised: &f, Rejected: &f, Canceled: &f}
}

// QueryForStatus maps a Status() value onto its flag filter.
func QueryForStatus(status string) (PushQuery, error) {
	t, f := true, false
	switch status {
	case "":
		return PushQuery{}, nil
	case "pending":
		return Pending(), nil
	case "authorised":
		return PushQuery{Authorised: &t}, nil
	case "rejected":
		return PushQuery{Rejected: &t}, nil
	case "canceled":
		return PushQuery{Canceled: &t}, nil
	case "error":
		return PushQuery{Error: &t}, nil
	case "allowed":
		return PushQuery{AllowPush: &t, Authorised: &f}, nil
	case "blocked":
		return PushQuery{Blocked: &t, Awaiting: &f, Error: &f}, nil
	}
	return PushQuery{}, fmt.Errorf("unknown push status %q", status)
}

// WritePush upserts the push record keyed by action id.
func (r Repo) WritePush(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
	if a == nil || a.ID == "" {
		return errors.New("action id required")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO pushes(id,type,repo,branch,commit_from,commit_to,pusher,protocol,timestamp,error,blocked,allow_push,authorised,rejected,canceled,awaiting,action_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET type=excluded.type, repo=excluded.repo, branch=excluded.branch, commit_from=excluded.commit_from,
commit_to=excluded.commit_to, pusher=excluded.pusher, protocol=excluded.protocol, timestamp=excluded.timestamp, error=excluded.error,
blocked=excluded.blocked, allow_push=excluded.allow_push, authorised=excluded.authorised, rejected=excluded.rejected,
canceled=excluded.canceled, awaiting=excluded.awaiting, action_json=excluded.action_json, updated_at=excluded.updated_at`,
		a.ID, string(a.Type), domain.RepoKey(a.RepoName), nullable(a.Branch), nullable(a.CommitFrom), nullable(a.CommitTo),
		nullable(lower(a.User)), nullable(a.Protocol), a.Timestamp, boolInt(a.Error), boolInt(a.Blocked), boolInt(a.AllowPush),
		boolInt(a.Authorised), boolInt(a.Rejected), boolInt(a.Canceled), boolInt(a.AwaitingApproval()), string(payload), now())
	return err
}

func (r Repo) GetPush(ctx context.Context, tx *sql.Tx, id string) (*domain.Action, error) {
	var payload string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT action_json FROM pushes WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a domain.Action
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("decode push %s: %w", id, err)
	}
	return &a, nil
}

func (r Repo) GetPushes(ctx context.Context, q PushQuery) ([]*domain.Action, error) {
	clauses := []string{"1=1"}
	var args []any
	if q.Repo != "" {
		clauses = append(clauses, "repo=?")
		args = append(args, domain.RepoKey(q.Repo))
	}
	if q.Branch != "" {
		clauses = append(clauses, "branch=?")
		args = append(args, q.Branch)
	}
	if q.CommitTo != "" {
		clauses = append(clauses, "commit_to=?")
		args = append(args, q.CommitTo)
	}
	if q.User != "" {
		clauses = append(clauses, "pusher=?")
		args = append(args, lower(q.User))
	}
	for col, v := range map[string]*bool{
		"error":      q.Error,
		"blocked":    q.Blocked,
		"allow_push": q.AllowPush,
		"authorised": q.Authorised,
		"rejected":   q.Rejected,
		"canceled":   q.Canceled,
		"awaiting":   q.Awaiting,
	} {
		if v != nil {
			clauses = append(clauses, col+"=?")
			args = append(args, boolInt(*v))
		}
	}
	query := `SELECT action_json FROM pushes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY timestamp DESC, id DESC`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*domain.Action
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a domain.Action
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, err
		}
		res = append(res, &a)
	}
	return res, rows.Err()
}

// SetPushState applies a review transition to an existing push. It never
// creates records; an error from apply leaves the stored push untouched.
func (r Repo) SetPushState(ctx context.Context, tx *sql.Tx, id string, apply func(*domain.Action) error) (*domain.Action, error) {
	a, err := r.GetPush(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(a); err != nil {
		return nil, err
	}
	if err := r.WritePush(ctx, tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r Repo) DeletePush(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM pushes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
