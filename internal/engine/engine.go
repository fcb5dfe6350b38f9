package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine/auth"
	"github.com/G-Research/git-proxy/internal/events"
	"github.com/G-Research/git-proxy/internal/repo"
)

// Engine owns the push record lifecycle: audit writes from the proxy and
// review transitions from reviewers.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Review carries the reviewer's attestation for authorise and reject.
type Review struct {
	Reviewer string
	Reason   string
	Details  map[string]any
}

// WriteAudit upserts a push action and records the event for its state.
// Non-push actions are ignored.
func (e Engine) WriteAudit(ctx context.Context, a *domain.Action) error {
	if a == nil || a.Type != domain.ActionPush {
		return nil
	}
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.WritePush(ctx, tx, a); err != nil {
			return err
		}
		var evt string
		switch a.Status() {
		case "pending":
			evt = events.PushPending
		case "allowed":
			evt = events.PushAllowed
		case "error", "blocked":
			evt = events.PushError
		default:
			return nil
		}
		return e.Events.Append(ctx, tx, evt, "push", a.ID, a.User, events.EventPayload{
			"repo":    a.RepoName,
			"branch":  a.Branch,
			"message": firstNonEmpty(a.BlockedMessage, a.ErrorMessage),
		})
	})
}

func (e Engine) GetPush(ctx context.Context, id string) (*domain.Action, error) {
	return e.Repo.GetPush(ctx, nil, id)
}

func (e Engine) ListPushes(ctx context.Context, q repo.PushQuery) ([]*domain.Action, error) {
	return e.Repo.GetPushes(ctx, q)
}

// FindAuthorisedPush returns an earlier authorised push of the same
// commit to the same branch, or nil.
func (e Engine) FindAuthorisedPush(ctx context.Context, a *domain.Action) (*domain.Action, error) {
	if a.CommitTo == "" || a.Branch == "" {
		return nil, nil
	}
	t := true
	prior, err := e.Repo.GetPushes(ctx, repo.PushQuery{
		Repo:       a.RepoName,
		Branch:     a.Branch,
		CommitTo:   a.CommitTo,
		Authorised: &t,
		Limit:      1,
	})
	if err != nil || len(prior) == 0 {
		return nil, err
	}
	return prior[0], nil
}

// Authorise marks a push authorised. A named reviewer needs authorise
// permission on the repo and cannot approve their own push.
func (e Engine) Authorise(ctx context.Context, id string, review Review) (*domain.Action, error) {
	return e.transition(ctx, id, review.Reviewer, events.PushAuthorised, func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
		if err := e.requireReviewer(ctx, tx, a, review.Reviewer); err != nil {
			return err
		}
		if review.Reviewer != "" && a.User != "" && norm(review.Reviewer) == norm(a.User) {
			return auth.ForbiddenError{Permission: auth.PermAuthorise, Repo: a.RepoName, Reason: "cannot approve your own push"}
		}
		a.SetAuthorised(e.attestation(review))
		return nil
	})
}

// Reject marks a push rejected.
func (e Engine) Reject(ctx context.Context, id string, review Review) (*domain.Action, error) {
	return e.transition(ctx, id, review.Reviewer, events.PushRejected, func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
		if err := e.requireReviewer(ctx, tx, a, review.Reviewer); err != nil {
			return err
		}
		a.SetRejected(e.attestation(review))
		return nil
	})
}

// Cancel marks a push canceled. The pusher may cancel their own push.
func (e Engine) Cancel(ctx context.Context, id, actorID string) (*domain.Action, error) {
	return e.transition(ctx, id, actorID, events.PushCanceled, func(ctx context.Context, tx *sql.Tx, a *domain.Action) error {
		if actorID != "" && norm(actorID) != norm(a.User) {
			if err := e.requireReviewer(ctx, tx, a, actorID); err != nil {
				return err
			}
		}
		a.SetCanceled()
		return nil
	})
}

func (e Engine) transition(ctx context.Context, id, actorID, evt string, apply func(context.Context, *sql.Tx, *domain.Action) error) (*domain.Action, error) {
	if id == "" {
		return nil, errors.New("push id required")
	}
	var out *domain.Action
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.SetPushState(ctx, tx, id, func(a *domain.Action) error {
			return apply(ctx, tx, a)
		})
		if err != nil {
			return err
		}
		out = a
		return e.Events.Append(ctx, tx, evt, "push", a.ID, actorID, events.EventPayload{"repo": a.RepoName, "branch": a.Branch})
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"push_id": id, "actor": actorID, "event": evt}).Info("push review recorded")
	return out, nil
}

func (e Engine) requireReviewer(ctx context.Context, tx *sql.Tx, a *domain.Action, reviewer string) error {
	if reviewer == "" {
		return nil
	}
	ok, err := e.Auth.UserCanAuthorise(ctx, tx, domain.RepoKey(a.RepoName), reviewer)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: auth.PermAuthorise, Repo: a.RepoName}
	}
	return nil
}

func (e Engine) attestation(r Review) *domain.Attestation {
	return &domain.Attestation{
		ID:        uuid.New().String(),
		Reviewer:  norm(r.Reviewer),
		Reason:    r.Reason,
		Details:   r.Details,
		Timestamp: e.now().UTC().Format(time.RFC3339),
	}
}
