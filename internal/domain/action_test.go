package domain

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActionStartsClean(t *testing.T) {
	a := NewAction("1", ActionPush, "POST", 1, "org/repo.git")
	assert.Empty(t, a.Steps)
	assert.True(t, a.Continue())
	assert.False(t, a.AllowPush || a.Authorised || a.Rejected || a.Canceled)
	assert.Equal(t, "new", a.Status())
}

func TestTerminalMarkersStopContinuation(t *testing.T) {
	a := NewAction("1", ActionPush, "POST", 1, "org/repo.git")
	a.SetBlocked("awaiting approval")
	assert.False(t, a.Continue())
	assert.Equal(t, "awaiting approval", a.BlockedMessage)

	b := NewAction("2", ActionPush, "POST", 1, "org/repo.git")
	b.SetError("clone failed")
	assert.False(t, b.Continue())
	assert.Equal(t, "error", b.Status())
}

func TestReviewOutcomesAreExclusive(t *testing.T) {
	a := NewAction("1", ActionPush, "POST", 1, "org/repo.git")
	a.SetAuthorised(&Attestation{Reviewer: "alice"})
	a.SetRejected(&Attestation{Reviewer: "bob"})
	assert.True(t, a.Rejected)
	assert.False(t, a.Authorised)
	assert.False(t, a.Canceled)

	a.SetCanceled()
	assert.True(t, a.Canceled)
	assert.False(t, a.Rejected)
	assert.Equal(t, "canceled", a.Status())
}

func TestAwaitingApproval(t *testing.T) {
	a := NewAction("1", ActionPush, "POST", 1, "org/repo.git")
	perm := NewStep("checkUserPushPermission")
	perm.SetBlocked("no push permission")
	a.AddStep(perm)
	a.SetBlocked(perm.BlockedMsg)
	assert.False(t, a.AwaitingApproval())
	assert.Equal(t, "blocked", a.Status())

	b := NewAction("2", ActionPush, "POST", 1, "org/repo.git")
	step := NewStep(ApprovalStep)
	step.SetBlocked("push awaiting approval")
	b.AddStep(step)
	b.SetBlocked(step.BlockedMsg)
	assert.True(t, b.AwaitingApproval())
	assert.Equal(t, "pending", b.Status())
}

func TestStepRecording(t *testing.T) {
	s := NewStep("pullRemote")
	s.Log("cloning")
	s.SetError("boom")
	a := NewAction("1", ActionPush, "POST", 1, "org/repo.git")
	a.AddStep(s)
	require.Len(t, a.Steps, 1)
	assert.Equal(t, []string{"cloning"}, a.Steps[0].Logs)
	assert.True(t, a.Steps[0].Error)
}

func TestNextActionTimeIsUniqueUnderConcurrency(t *testing.T) {
	now := time.Now()
	const n = 200
	out := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- NextActionTime(now)
		}()
	}
	wg.Wait()
	close(out)
	seen := map[int64]bool{}
	for ts := range out {
		assert.False(t, seen[ts], "duplicate timestamp %d", ts)
		seen[ts] = true
	}
}

func TestRepoKey(t *testing.T) {
	assert.Equal(t, "finos/git-proxy", RepoKey("FINOS/git-proxy.git"))
	assert.Equal(t, "finos/git-proxy", RepoKey("/finos/git-proxy/"))
	assert.Equal(t, "finos/git-proxy", Repo{Project: "Finos", Name: "Git-Proxy"}.Key())
}
