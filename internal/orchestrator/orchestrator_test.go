package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autoforge/internal/collab"
	"autoforge/internal/cycle"
	"autoforge/internal/ledger"
	"autoforge/internal/ratelimit"
	"autoforge/internal/safety"
)

// --- scripted collaborators ---

type fakeSummarizer struct {
	calls int
	errs  []error // consumed per call; nil entry means success
}

func (f *fakeSummarizer) Summarize(ctx context.Context) (string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "repo summary", nil
}

type fakeProposer struct {
	calls     int
	proposals []*cycle.Proposal
	err       error
}

func (f *fakeProposer) Propose(ctx context.Context, repoContext string) (*cycle.Proposal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.proposals) > 0 {
		p := f.proposals[0]
		if len(f.proposals) > 1 {
			f.proposals = f.proposals[1:]
		}
		return p, nil
	}
	return &cycle.Proposal{Area: fmt.Sprintf("area-%d", f.calls), Rationale: "because"}, nil
}

type fakeImplementer struct {
	implementCalls int
	fixCalls       int
	results        []*collab.ImplementResult // consumed across Implement then Fix
	errs           []error
	gotViolations  [][]safety.Violation
}

func (f *fakeImplementer) next() (*collab.ImplementResult, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.results) == 0 {
		return nil, errors.New("fakeImplementer: script exhausted")
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r, nil
}

func (f *fakeImplementer) Implement(ctx context.Context, proposal *cycle.Proposal) (*collab.ImplementResult, error) {
	f.implementCalls++
	return f.next()
}

func (f *fakeImplementer) Fix(ctx context.Context, prev *collab.ImplementResult, violations []safety.Violation) (*collab.ImplementResult, error) {
	f.fixCalls++
	f.gotViolations = append(f.gotViolations, violations)
	return f.next()
}

type fakePublisher struct {
	calls int
	url   string
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, cs *cycle.ChangeSet, title, description string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.url == "" {
		return "https://github.com/acme/repo/pull/7", nil
	}
	return f.url, nil
}

// --- fixtures ---

func cleanResult(t *testing.T) *collab.ImplementResult {
	t.Helper()
	cs, err := cycle.NewChangeSet([]cycle.Change{
		{Path: "src/util.py", Content: "def add(a,b):\n    return a+b", Op: cycle.OpReplace},
	})
	require.NoError(t, err)
	return &collab.ImplementResult{ChangeSet: cs, Title: "Add util helper", Description: "Adds a small helper."}
}

func unsafeResult(t *testing.T) *collab.ImplementResult {
	t.Helper()
	cs, err := cycle.NewChangeSet([]cycle.Change{
		{Path: "a.py", Content: "import os\nos.system('rm -rf /')", Op: cycle.OpReplace},
	})
	require.NoError(t, err)
	return &collab.ImplementResult{ChangeSet: cs, Title: "Speed up cleanup", Description: "Faster cleanup."}
}

type harness struct {
	orch        *Orchestrator
	ledger      *ledger.Ledger
	limiter     *ratelimit.Limiter
	summarizer  *fakeSummarizer
	proposer    *fakeProposer
	implementer *fakeImplementer
	publisher   *fakePublisher
}

func newHarness(t *testing.T, cfg Config, budgets map[string]ratelimit.Budget) *harness {
	t.Helper()
	if budgets == nil {
		budgets = map[string]ratelimit.Budget{
			DependencyProposalAPI: {Capacity: 100, Window: time.Hour},
			DependencyPublishAPI:  {Capacity: 100, Window: time.Hour},
		}
	}
	ldg, err := ledger.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ldg.Close() })

	checker, err := safety.NewChecker(safety.DefaultConfig())
	require.NoError(t, err)

	h := &harness{
		ledger:      ldg,
		limiter:     ratelimit.New(budgets, zap.NewNop()),
		summarizer:  &fakeSummarizer{},
		proposer:    &fakeProposer{},
		implementer: &fakeImplementer{},
		publisher:   &fakePublisher{},
	}
	h.orch = New(cfg, h.limiter, checker, ldg, h.summarizer, h.proposer, h.implementer, h.publisher, zap.NewNop())
	h.orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

// --- tests ---

func TestCleanCycleCompletes(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.implementer.results = []*collab.ImplementResult{cleanResult(t)}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageCompleted, rec.Stage)
	assert.Equal(t, "https://github.com/acme/repo/pull/7", rec.PublishURL)
	assert.Empty(t, rec.FailureReason)
	assert.NotNil(t, rec.EndTime)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, 1, h.publisher.calls)

	st, err := h.orch.Status(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageCompleted), st.Status)
	assert.Equal(t, "https://github.com/acme/repo/pull/7", st.PublishURL)
}

func TestFixLoopExhaustionFailsSafetyCheck(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	// Implement and every fix attempt return equivalent unsafe content.
	h.implementer.results = []*collab.ImplementResult{unsafeResult(t)}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonSafetyCheckFailed, rec.FailureReason)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 1, h.implementer.implementCalls)
	assert.Equal(t, 3, h.implementer.fixCalls)
	assert.Zero(t, h.publisher.calls, "unsafe changes must never reach the publisher")

	attempts, err := h.ledger.FixAttempts(rec.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	// The fix-loop receives the gate's violations.
	require.NotEmpty(t, h.implementer.gotViolations)
	found := false
	for _, v := range h.implementer.gotViolations[0] {
		if v.Kind == safety.ViolationDangerousOperation {
			found = true
		}
	}
	assert.True(t, found, "fix attempt should carry the dangerous_operation violation")
}

func TestFixLoopRecoversOnSecondAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.implementer.results = []*collab.ImplementResult{unsafeResult(t), cleanResult(t)}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageCompleted, rec.Stage)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, h.implementer.fixCalls)
	assert.Equal(t, 1, h.publisher.calls)
}

func TestProposalViolationFailsWithoutFixLoop(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.proposer.proposals = []*cycle.Proposal{{
		Area:             "safety gate",
		SuggestedChanges: "Loosen internal/safety/checker.go so more changes pass.",
	}}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonSafetyCheckFailed, rec.FailureReason)
	assert.Zero(t, h.implementer.implementCalls, "no fix-loop for proposal violations")
	assert.Zero(t, h.publisher.calls)
}

func TestMalformedProposalFailsImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.proposer.err = &collab.MalformedOutputError{Op: "propose", Detail: "no sections found"}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonSafetyCheckFailed, rec.FailureReason)
	assert.Zero(t, h.implementer.implementCalls)
}

func TestMalformedImplementOutputConsumesFixAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.implementer.errs = []error{&collab.MalformedOutputError{Op: "implement", Detail: "no FILE blocks"}}
	h.implementer.results = []*collab.ImplementResult{cleanResult(t)}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageCompleted, rec.Stage)
	assert.Equal(t, 1, rec.Attempts, "malformed output must consume one fix attempt")
	assert.Equal(t, 1, h.implementer.fixCalls)
}

func TestTransientRetryThenSuccess(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.summarizer.errs = []error{
		&collab.TransientError{Op: "summarize", Err: errors.New("connection reset")},
		nil,
	}
	h.implementer.results = []*collab.ImplementResult{cleanResult(t)}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageCompleted, rec.Stage)
	assert.Equal(t, 2, h.summarizer.calls)
}

func TestTransientExhaustionFailsCycle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	boom := &collab.TransientError{Op: "summarize", Err: errors.New("upstream unavailable")}
	h.summarizer.errs = []error{boom, boom, boom}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonTransientError, rec.FailureReason)
	assert.Equal(t, 3, h.summarizer.calls, "bounded retries")
	assert.NotEmpty(t, rec.Errors)
}

func TestBudgetExhaustionFailsRateLimited(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[string]ratelimit.Budget{
		DependencyProposalAPI: {Capacity: 1, Window: time.Hour},
		DependencyPublishAPI:  {Capacity: 1, Window: time.Hour},
	})
	// Drain the proposal budget before the cycle runs.
	require.True(t, h.limiter.TryReserve(DependencyProposalAPI, 1))

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonRateLimited, rec.FailureReason)
	assert.Zero(t, h.summarizer.calls)
}

func TestPublishFailureIsTerminalAndNotRetried(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.implementer.results = []*collab.ImplementResult{cleanResult(t)}
	h.publisher.err = &collab.TransientError{Op: "publish", Err: errors.New("502 bad gateway")}

	rec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonPublishFailed, rec.FailureReason)
	assert.Equal(t, 1, h.publisher.calls, "publish is never retried")
	assert.Empty(t, rec.PublishURL)
}

func TestCancellationAbortsCycle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := h.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, cycle.StageFailed, rec.Stage)
	assert.Equal(t, cycle.ReasonCancelled, rec.FailureReason)
	assert.Zero(t, h.publisher.calls)
}

func TestNoStateSurvivesCycleBoundaries(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.implementer.results = []*collab.ImplementResult{cleanResult(t), cleanResult(t)}
	h.proposer.proposals = []*cycle.Proposal{
		{Area: "first", Rationale: "r1"},
		{Area: "second", Rationale: "r2"},
	}

	first, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.orch.cachedProposal, "proposal cache must be cleared at terminal transition")
	assert.Empty(t, h.orch.cachedSummary)

	second, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.orch.cachedProposal)

	require.NotNil(t, first.Proposal)
	require.NotNil(t, second.Proposal)
	assert.NotEqual(t, first.Proposal.Area, second.Proposal.Area)
	assert.NotSame(t, first.Proposal, second.Proposal)
	assert.Equal(t, 2, h.proposer.calls)
}

func TestHistoryAfterMixedCycles(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.implementer.results = []*collab.ImplementResult{unsafeResult(t)}

	failRec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, cycle.StageFailed, failRec.Stage)

	h.implementer.results = []*collab.ImplementResult{cleanResult(t)}
	okRec, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, cycle.StageCompleted, okRec.Stage)

	history, err := h.orch.History(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, okRec.ID, history[0].CycleID)
	assert.Equal(t, failRec.ID, history[1].CycleID)
	assert.Equal(t, cycle.ReasonSafetyCheckFailed, history[1].FailureReason)
}

// Termination bound: whatever the collaborators return, a cycle ends in a
// terminal stage within the configured attempt ceilings.
func TestStateMachineTerminates(t *testing.T) {
	scripts := [][]*collab.ImplementResult{
		{unsafeResult(t)},
		{unsafeResult(t), unsafeResult(t), cleanResult(t)},
		{cleanResult(t)},
	}
	for i, script := range scripts {
		t.Run(fmt.Sprintf("script_%d", i), func(t *testing.T) {
			h := newHarness(t, DefaultConfig(), nil)
			h.implementer.results = script

			done := make(chan *cycle.Record, 1)
			go func() {
				rec, _ := h.orch.RunCycle(context.Background())
				done <- rec
			}()
			select {
			case rec := <-done:
				assert.True(t, rec.Stage.Terminal())
			case <-time.After(10 * time.Second):
				t.Fatal("cycle did not terminate")
			}
		})
	}
}
