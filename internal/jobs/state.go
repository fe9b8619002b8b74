package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// TransitionStore persists a state transition together with its event-log
// append. Implementations must make the pair atomic (one transaction).
type TransitionStore interface {
	RecordTransition(status model.JobStatusRecord, event model.JobEventRecord) error
}

var stateRank = map[model.JobState]int{
	model.StatePending:       0,
	model.StateAnalyzing:     1,
	model.StateMapping:       2,
	model.StateMaterializing: 3,
	model.StateValidating:    4,
	model.StateDone:          5,
}

// StateMachine tracks one job's lifecycle. Transitions and event appends
// share a single lock; State() is a lock-free read of the last observed
// snapshot.
type StateMachine struct {
	jobID    string
	store    TransitionStore
	metadata map[string]string

	mu       sync.Mutex
	snapshot atomic.Value // model.JobStatusRecord
	created  time.Time
}

// NewStateMachine registers the job in PENDING. store may be nil (tracking
// without persistence, used by lightweight verbs and tests).
func NewStateMachine(jobID string, store TransitionStore, metadata map[string]string) (*StateMachine, error) {
	m := &StateMachine{
		jobID:    jobID,
		store:    store,
		metadata: metadata,
		created:  time.Now().UTC(),
	}
	rec := m.record(model.StatePending, "job registered", "")
	m.snapshot.Store(rec)
	if store != nil {
		if err := store.RecordTransition(rec, eventOf(rec)); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "register job %s", jobID)
		}
	}
	return m, nil
}

// State returns the last observed status without taking the transition lock.
func (m *StateMachine) State() model.JobStatusRecord {
	return m.snapshot.Load().(model.JobStatusRecord)
}

// JobID returns the tracked job id.
func (m *StateMachine) JobID() string { return m.jobID }

// Transition moves the job forward. Terminal states reject transitions;
// FAILED/CANCELLED are reachable from any non-terminal state; forward
// transitions must not decrease the state rank.
func (m *StateMachine) Transition(target model.JobState, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.State()
	if current.State == target {
		return nil
	}
	if current.State.Terminal() {
		return errs.New(errs.UserAbort, "job %s is terminal (%s); cannot transition to %s", m.jobID, current.State, target)
	}
	if target != model.StateFailed && target != model.StateCancelled {
		curRank, okCur := stateRank[current.State]
		tgtRank, okTgt := stateRank[target]
		if !okCur || !okTgt || tgtRank < curRank {
			return errs.New(errs.UserAbort, "invalid transition %s -> %s for job %s", current.State, target, m.jobID)
		}
	}

	lastError := ""
	if target == model.StateFailed {
		lastError = detail
	}
	rec := m.record(target, detail, lastError)
	if m.store != nil {
		if err := m.store.RecordTransition(rec, eventOf(rec)); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "persist transition %s for job %s", target, m.jobID)
		}
	}
	m.snapshot.Store(rec)
	return nil
}

// MarkFailed forces FAILED with the serialized error message, ignoring the
// rank check (valid from any non-terminal state).
func (m *StateMachine) MarkFailed(cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return m.Transition(model.StateFailed, detail)
}

// MarkCancelled records a cooperative cancel.
func (m *StateMachine) MarkCancelled(detail string) error {
	return m.Transition(model.StateCancelled, detail)
}

func (m *StateMachine) record(state model.JobState, detail, lastError string) model.JobStatusRecord {
	return model.JobStatusRecord{
		JobID:     m.jobID,
		State:     state,
		Detail:    detail,
		LastError: lastError,
		Metadata:  m.metadata,
		CreatedAt: m.created,
		UpdatedAt: time.Now().UTC(),
	}
}

func eventOf(rec model.JobStatusRecord) model.JobEventRecord {
	return model.JobEventRecord{
		JobID:  rec.JobID,
		State:  rec.State,
		Detail: rec.Detail,
		At:     rec.UpdatedAt,
	}
}
