package chain

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/git-proxy/internal/domain"
)

type recorder struct {
	ran []string
}

func (r *recorder) proc(name string, fn func(a *domain.Action) error) Processor {
	return Func(name, func(_ context.Context, _ *Request, a *domain.Action) error {
		r.ran = append(r.ran, name)
		s := domain.NewStep(name)
		a.AddStep(s)
		if fn != nil {
			return fn(a)
		}
		return nil
	})
}

func classify(typ domain.ActionType) func(a *domain.Action) error {
	return func(a *domain.Action) error {
		a.Type = typ
		a.RepoName = "org/repo.git"
		return nil
	}
}

func TestPullSkipsPushProcessors(t *testing.T) {
	rec := &recorder{}
	c := &Chain{
		Pre:  []Processor{rec.proc("parse", classify(domain.ActionPull))},
		Push: []Processor{rec.proc("clone", nil)},
	}
	a := c.Execute(context.Background(), &Request{Protocol: "ssh", Method: "GET", Path: "/org/repo.git/git-upload-pack"})
	assert.Equal(t, []string{"parse"}, rec.ran)
	assert.Equal(t, domain.ActionPull, a.Type)
	assert.True(t, a.Continue())
	assert.NotEmpty(t, a.ID)
}

func TestChainStopsAtFirstError(t *testing.T) {
	rec := &recorder{}
	c := &Chain{
		Pre: []Processor{rec.proc("parse", classify(domain.ActionPush))},
		Push: []Processor{
			rec.proc("clone", func(a *domain.Action) error {
				a.Steps[len(a.Steps)-1].SetError("auth failed")
				return errors.New("auth failed")
			}),
			rec.proc("hook", nil),
		},
	}
	a := c.Execute(context.Background(), &Request{Method: "POST"})
	assert.Equal(t, []string{"parse", "clone"}, rec.ran)
	assert.True(t, a.Error)
	assert.Equal(t, "auth failed", a.ErrorMessage)
	require.Len(t, a.Steps, 2)
	assert.True(t, a.Steps[1].Error)
}

func TestChainStopsWhenBlocked(t *testing.T) {
	rec := &recorder{}
	c := &Chain{
		Pre: []Processor{
			rec.proc("parse", classify(domain.ActionPush)),
			rec.proc("allowlist", func(a *domain.Action) error {
				a.SetBlocked("not allowed")
				return nil
			}),
		},
		Push: []Processor{rec.proc("clone", nil)},
	}
	a := c.Execute(context.Background(), &Request{Method: "POST"})
	assert.Equal(t, []string{"parse", "allowlist"}, rec.ran)
	assert.True(t, a.Blocked)
	assert.False(t, a.Error)
}

func TestChainRecoversFromPanics(t *testing.T) {
	c := &Chain{Pre: []Processor{Func("plugin", func(context.Context, *Request, *domain.Action) error {
		panic("boom")
	})}}
	a := c.Execute(context.Background(), &Request{})
	assert.True(t, a.Error)
	assert.Contains(t, a.ErrorMessage, "boom")
}

func TestChainHonoursCanceledContext(t *testing.T) {
	rec := &recorder{}
	c := &Chain{Pre: []Processor{rec.proc("parse", nil)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := c.Execute(ctx, &Request{})
	assert.Empty(t, rec.ran)
	assert.True(t, a.Error)
}

func TestActionIDsAreUnique(t *testing.T) {
	c := &Chain{}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		a := c.Execute(context.Background(), &Request{})
		assert.False(t, seen[a.ID])
		seen[a.ID] = true
	}
}

func TestInsert(t *testing.T) {
	a, b, p := Func("a", nil), Func("b", nil), Func("p", nil)
	names := func(ps []Processor) []string {
		var out []string
		for _, x := range ps {
			out = append(out, x.Name())
		}
		return out
	}
	assert.Equal(t, []string{"a", "p", "b"}, names(Insert([]Processor{a, b}, p, 1)))
	assert.Equal(t, []string{"a", "b", "p"}, names(Insert([]Processor{a, b}, p, 99)))
	assert.Equal(t, []string{"p", "a", "b"}, names(Insert([]Processor{a, b}, p, -1)))
}

func TestBasicAuth(t *testing.T) {
	req := &Request{Header: http.Header{}}
	_, _, ok := req.BasicAuth()
	assert.False(t, ok)

	req.Header.Set("Authorization", "Basic YWxpY2U6czNjcjN0")
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "s3cr3t", pass)

	req.Header.Set("Authorization", "Bearer token")
	_, _, ok = req.BasicAuth()
	assert.False(t, ok)
}
