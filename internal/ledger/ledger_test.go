package ledger

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autoforge/internal/cycle"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStartAndEndCycle(t *testing.T) {
	l := openTestLedger(t)

	id, err := l.StartCycle()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Nil(t, st.EndTime)

	require.NoError(t, l.EndCycle(id, cycle.StageCompleted, "", "https://example.com/pr/1"))

	st, err = l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageCompleted), st.Status)
	require.NotNil(t, st.EndTime)
	assert.Equal(t, "https://example.com/pr/1", st.PublishURL)
	assert.NotEmpty(t, st.Duration)
}

func TestEndCycleRejectsNonTerminalStage(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.StartCycle()
	require.NoError(t, err)

	assert.Error(t, l.EndCycle(id, cycle.StageValidating, "", ""))
	assert.Error(t, l.EndCycle("no-such-cycle", cycle.StageFailed, "x", ""))
}

func TestPhaseDerivedFromRecordedStages(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.StartCycle()
	require.NoError(t, err)

	st, err := l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageAnalyzing), st.Phase)

	require.NoError(t, l.RecordStage(id, cycle.StageAnalyzing, map[string]string{"summary": "repo summary"}))
	require.NoError(t, l.RecordStage(id, cycle.StageProposing, map[string]string{"area": "docs"}))

	st, err = l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageProposing), st.Phase)

	require.NoError(t, l.RecordStage(id, cycle.StageValidating, map[string]int{"violations": 0}))
	st, err = l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageValidating), st.Phase)

	// Overwriting an already recorded stage does not move the phase back.
	require.NoError(t, l.RecordStage(id, cycle.StageProposing, map[string]string{"area": "tests"}))
	st, err = l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageValidating), st.Phase)
}

func TestRecordErrorKeepsStage(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.StartCycle()
	require.NoError(t, err)

	require.NoError(t, l.RecordStage(id, cycle.StageAnalyzing, "summary"))
	require.NoError(t, l.RecordError(id, cycle.StageAnalyzing, 1, "collaborator timeout"))
	require.NoError(t, l.RecordError(id, cycle.StageAnalyzing, 2, "collaborator timeout again"))

	st, err := l.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageAnalyzing), st.Phase)
	assert.Len(t, st.Errors, 2)
}

func TestFixAttemptsRecorded(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.StartCycle()
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.RecordFixAttempt(id, i, []string{"dangerous_operation: os.system"}))
	}

	attempts, err := l.FixAttempts(id)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	n, err := l.StageCount(id, cycle.StageFixing, "fix_attempt")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetStatusLatestAndIdle(t *testing.T) {
	l := openTestLedger(t)

	st, err := l.GetStatus("")
	require.NoError(t, err)
	assert.Equal(t, string(cycle.StageIdle), st.Status)

	first, err := l.StartCycle()
	require.NoError(t, err)
	require.NoError(t, l.EndCycle(first, cycle.StageFailed, cycle.ReasonTransientError, ""))

	second, err := l.StartCycle()
	require.NoError(t, err)

	st, err = l.GetStatus("")
	require.NoError(t, err)
	assert.Equal(t, second, st.CycleID)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	l := openTestLedger(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := l.StartCycle()
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, l.EndCycle(id, cycle.StageCompleted, "", ""))
		time.Sleep(5 * time.Millisecond)
	}

	// An open cycle must not appear in history.
	open, err := l.StartCycle()
	require.NoError(t, err)

	history, err := l.GetHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].CycleID)
	assert.Equal(t, ids[0], history[2].CycleID)
	for _, h := range history {
		assert.NotEqual(t, open, h.CycleID)
	}

	limited, err := l.GetHistory(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, zap.NewNop())
	require.NoError(t, err)

	id, err := l.StartCycle()
	require.NoError(t, err)
	require.NoError(t, l.RecordStage(id, cycle.StageAnalyzing, "summary"))
	require.NoError(t, l.EndCycle(id, cycle.StageFailed, cycle.ReasonSafetyCheckFailed, ""))
	before, err := l.GetStatus(id)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	after, err := reopened.GetStatus(id)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("status changed across reopen (-before +after):\n%s", diff)
	}
	assert.Equal(t, cycle.ReasonSafetyCheckFailed, after.FailureReason)
}
