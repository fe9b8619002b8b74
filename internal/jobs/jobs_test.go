package jobs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"uscsv/internal/model"
)

type recordedTransition struct {
	status model.JobStatusRecord
	event  model.JobEventRecord
}

type fakeTransitionStore struct {
	transitions []recordedTransition
	failNext    bool
}

func (f *fakeTransitionStore) RecordTransition(status model.JobStatusRecord, event model.JobEventRecord) error {
	if f.failNext {
		f.failNext = false
		return os.ErrPermission
	}
	f.transitions = append(f.transitions, recordedTransition{status, event})
	return nil
}

func TestStateMachine_HappyPath(t *testing.T) {
	t.Parallel()

	st := &fakeTransitionStore{}
	m, err := NewStateMachine("job-1", st, map[string]string{"command": "materialize"})
	require.NoError(t, err)
	require.Equal(t, model.StatePending, m.State().State)

	require.NoError(t, m.Transition(model.StateMaterializing, "writing"))
	require.NoError(t, m.Transition(model.StateValidating, ""))
	require.NoError(t, m.Transition(model.StateDone, "rows=10"))

	require.Equal(t, model.StateDone, m.State().State)
	// PENDING registration plus three transitions, each with its event.
	require.Len(t, st.transitions, 4)
	require.Equal(t, model.JobState("DONE"), st.transitions[3].event.State)
}

func TestStateMachine_TerminalRejectsTransitions(t *testing.T) {
	t.Parallel()

	m, err := NewStateMachine("job-2", nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Transition(model.StateDone, ""))
	require.Error(t, m.Transition(model.StateAnalyzing, ""))
	require.Error(t, m.MarkFailed(os.ErrInvalid))
	require.Equal(t, model.StateDone, m.State().State)
}

func TestStateMachine_FailedReachableFromAnyNonTerminal(t *testing.T) {
	t.Parallel()

	m, err := NewStateMachine("job-3", nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Transition(model.StateAnalyzing, ""))
	require.NoError(t, m.MarkFailed(errors.New("disk gone")))
	rec := m.State()
	require.Equal(t, model.StateFailed, rec.State)
	require.Contains(t, rec.LastError, "disk gone")
}

func TestStateMachine_NoBackwardTransitions(t *testing.T) {
	t.Parallel()

	m, err := NewStateMachine("job-4", nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Transition(model.StateMaterializing, ""))
	require.Error(t, m.Transition(model.StateAnalyzing, ""))
}

func TestStateMachine_PersistFailureKeepsState(t *testing.T) {
	t.Parallel()

	st := &fakeTransitionStore{}
	m, err := NewStateMachine("job-5", st, nil)
	require.NoError(t, err)

	st.failNext = true
	require.Error(t, m.Transition(model.StateAnalyzing, ""))
	require.Equal(t, model.StatePending, m.State().State)
}

func TestCheckpointRegistry_SaveLoadClear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := NewCheckpointRegistry(dir)

	if _, ok := reg.Load("job-1", "materialize"); ok {
		t.Fatalf("unexpected checkpoint before save")
	}

	payload := map[string]any{"next_block_index": 3, "chunk_ordinal": 1}
	require.NoError(t, reg.Save("job-1", "materialize", payload))

	rec, ok := reg.Load("job-1", "materialize")
	require.True(t, ok)
	require.Equal(t, "job-1", rec.JobID)
	require.Equal(t, "materialize", rec.Phase)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	require.EqualValues(t, 3, decoded["next_block_index"])

	// Layout is checkpoints/<phase>/<job_id>.json.
	_, err := os.Stat(filepath.Join(dir, "materialize", "job-1.json"))
	require.NoError(t, err)

	require.NoError(t, reg.Clear("job-1", "materialize"))
	if _, ok := reg.Load("job-1", "materialize"); ok {
		t.Fatalf("checkpoint survived clear")
	}
	// Clearing twice is fine.
	require.NoError(t, reg.Clear("job-1", "materialize"))
}

func TestCheckpointRegistry_LastCommittedWins(t *testing.T) {
	t.Parallel()

	reg := NewCheckpointRegistry(t.TempDir())
	require.NoError(t, reg.Save("job-9", "materialize", map[string]int{"n": 1}))
	require.NoError(t, reg.Save("job-9", "materialize", map[string]int{"n": 2}))

	rec, ok := reg.Load("job-9", "materialize")
	require.True(t, ok)
	var decoded map[string]int
	require.NoError(t, json.Unmarshal(rec.Payload, &decoded))
	require.Equal(t, 2, decoded["n"])
}
