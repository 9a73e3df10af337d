package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/worker"
)

func done() worker.Action {
	return func() (bool, time.Time, error) { return true, time.Time{}, nil }
}

func parked(wait time.Time) worker.Action {
	return func() (bool, time.Time, error) { return false, wait, nil }
}

func failing(err error) worker.Action {
	return func() (bool, time.Time, error) { return false, time.Time{}, err }
}

func TestNewWorkerStartsAtDeviceExists(t *testing.T) {
	w := worker.New(1)
	assert.Equal(t, worker.StageDeviceExists, w.Stage)
	assert.Equal(t, worker.PhaseForward, w.Phase)
	assert.False(t, w.Done())
}

func TestStepAdvancesThroughAllStagesToSteady(t *testing.T) {
	w := worker.New(1)
	for !w.Done() {
		w.Step(done())
	}
	assert.Equal(t, worker.StageSteady, w.Stage)
	assert.True(t, w.Done())
}

func TestStepParksAtDeadlineWithoutAdvancing(t *testing.T) {
	w := worker.New(1)
	wait := time.Now().Add(time.Minute)
	got := w.Step(parked(wait))
	assert.Equal(t, wait, got)
	assert.Equal(t, worker.StageDeviceExists, w.Stage)
}

func TestSkipStageAdvancesWithoutFailing(t *testing.T) {
	w := worker.New(1)
	deadline := w.Step(failing(worker.ErrSkipStage))
	assert.True(t, deadline.IsZero())
	assert.Equal(t, worker.StageDeviceReady, w.Stage)
	assert.Equal(t, worker.PhaseForward, w.Phase)
}

func TestFailureEntersBackoffAndRetryResumesAtFailedStage(t *testing.T) {
	w := worker.New(1)
	w.Step(done()) // -> DEVICE_READY

	deadline := w.Step(failing(assertErr))
	require.False(t, deadline.IsZero())
	assert.Equal(t, worker.PhaseFailed, w.Phase)
	assert.Equal(t, worker.StageDeviceReady, w.FailedStage)
	assert.True(t, deadline.After(time.Now()))

	w.Retry()
	assert.Equal(t, worker.PhaseForward, w.Phase)
	assert.Equal(t, worker.StageDeviceReady, w.Stage)
	assert.NoError(t, w.FailErr)
}

func TestBeginTeardownUnwindsToTarget(t *testing.T) {
	w := worker.New(1)
	for i := 0; i < 3; i++ {
		w.Step(done())
	}
	require.Equal(t, worker.StageLinkUp, w.Stage)

	w.BeginTeardown(worker.StageDeviceExists)
	assert.Equal(t, worker.PhaseTeardown, w.Phase)

	for w.Phase == worker.PhaseTeardown {
		w.Step(done())
	}
	assert.Equal(t, worker.StageDeviceExists, w.Stage)
	assert.Equal(t, worker.PhaseForward, w.Phase)
}

func TestBeginTeardownIsIdempotentAtDeeperTarget(t *testing.T) {
	w := worker.New(1)
	w.BeginTeardown(worker.StageDeviceReady)
	w.BeginTeardown(worker.StageLinkUp) // shallower target, ignored
	assert.Equal(t, worker.StageDeviceReady, w.TargetStage)
}

func TestDeadlineZeroWhenNotParked(t *testing.T) {
	w := worker.New(1)
	assert.True(t, w.Deadline().IsZero())
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }
