// Package worker implements the per-device finite-state machine that drives
// a network interface from its declared desired state to its live state:
// DEVICE_EXISTS -> DEVICE_READY -> LINK_AUTHENTICATED (skippable) ->
// LINK_UP -> NETWORK_ADDRESS_ACQUIRING -> NETWORK_UP -> STEADY, with the
// transient states FAILED(stage, reason) and TEARDOWN(target stage)
// layered on top.
package worker

import (
	"math/rand"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// Stage is one point in the forward progression a Worker advances through.
type Stage int

// Forward stages, in the order a Worker advances through them.
const (
	StageDeviceExists Stage = iota
	StageDeviceReady
	StageLinkAuthenticated
	StageLinkUp
	StageAddressAcquiring
	StageNetworkUp
	StageSteady
)

// String implements fmt.Stringer for log readability.
func (s Stage) String() string {
	switch s {
	case StageDeviceExists:
		return "DEVICE_EXISTS"
	case StageDeviceReady:
		return "DEVICE_READY"
	case StageLinkAuthenticated:
		return "LINK_AUTHENTICATED"
	case StageLinkUp:
		return "LINK_UP"
	case StageAddressAcquiring:
		return "NETWORK_ADDRESS_ACQUIRING"
	case StageNetworkUp:
		return "NETWORK_UP"
	case StageSteady:
		return "STEADY"
	default:
		return "UNKNOWN"
	}
}

// Phase distinguishes the three top-level modes a Worker can be in: making
// forward progress, retrying after a failure, or tearing down.
type Phase int

// Worker phases.
const (
	PhaseForward Phase = iota
	PhaseFailed
	PhaseTeardown
)

// ErrSkipStage is returned by an Action to mean "this stage does not apply
// to this device, advance past it without treating it as a failure" — used
// so LINK_AUTHENTICATED can be skipped for devices with no authentication
// requirement (e.g. wired ethernet with no 802.1X).
var ErrSkipStage = errors.Error("stage skipped")

// Action performs the work of entering a stage. It returns done=true when
// the stage's precondition is already satisfied (advance immediately),
// done=false with a non-zero wait deadline when the stage is pending and
// the worker should park until that deadline or until a relevant event
// arrives, or a non-nil err when the attempt failed.
type Action func() (done bool, wait time.Time, err error)

// Backoff parameters (spec Open Question default): exponential with base
// 1s, factor 2, capped at 60s, with +/-25% jitter to avoid thundering-herd
// retries across many devices failing at once.
const (
	backoffBase   = 1 * time.Second
	backoffFactor = 2.0
	backoffCap    = 60 * time.Second
	backoffJitter = 0.25
)

// Worker is the state for a single device's FSM. Ordering and mutation are
// owned exclusively by the reconciler's single goroutine; Worker itself has
// no internal locking.
type Worker struct {
	DeviceIndex int
	Stage       Stage
	Phase       Phase
	FailedStage Stage
	FailErr     error
	TargetStage Stage // meaningful only when Phase == PhaseTeardown

	retries    int
	parkedAt   time.Time
	rng        *rand.Rand
}

// New creates a Worker at StageDeviceExists in PhaseForward for the given
// device.
func New(deviceIndex int) *Worker {
	return &Worker{
		DeviceIndex: deviceIndex,
		Stage:       StageDeviceExists,
		Phase:       PhaseForward,
		rng:         rand.New(rand.NewSource(int64(deviceIndex)+1)),
	}
}

// stages lists every forward stage in order, used to find the next/previous
// stage during forward progression and teardown unwinding.
var stages = []Stage{
	StageDeviceExists,
	StageDeviceReady,
	StageLinkAuthenticated,
	StageLinkUp,
	StageAddressAcquiring,
	StageNetworkUp,
	StageSteady,
}

func nextStage(s Stage) (Stage, bool) {
	for i, st := range stages {
		if st == s && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return s, false
}

func prevStage(s Stage) (Stage, bool) {
	for i, st := range stages {
		if st == s && i > 0 {
			return stages[i-1], true
		}
	}
	return s, false
}

// Step runs one stage transition by calling action, which the caller picks
// for the Worker's current stage and phase (a teardown action while in
// PhaseTeardown). Step returns the deadline the worker should be parked
// until, or the zero Time if it should be rechecked as soon as anything
// relevant happens but has no specific deadline.
func (w *Worker) Step(action Action) time.Time {
	done, wait, err := action()
	switch {
	case err != nil:
		if errors.Is(err, ErrSkipStage) {
			w.advance()
			return time.Time{}
		}
		w.fail(err)
		return w.backoffDeadline()
	case done:
		w.retries = 0
		w.advance()
		return time.Time{}
	default:
		w.parkedAt = wait
		return wait
	}
}

func (w *Worker) advance() {
	switch w.Phase {
	case PhaseForward:
		if next, ok := nextStage(w.Stage); ok {
			w.Stage = next
		}
	case PhaseTeardown:
		if w.Stage == w.TargetStage {
			w.Phase = PhaseForward
			return
		}
		if prev, ok := prevStage(w.Stage); ok {
			w.Stage = prev
		}
		if w.Stage == w.TargetStage {
			w.Phase = PhaseForward
		}
	}
}

func (w *Worker) fail(err error) {
	w.Phase = PhaseFailed
	w.FailedStage = w.Stage
	w.FailErr = err
	w.retries++
}

// Retries returns the number of consecutive failures the worker has
// accumulated at its current failed stage, for persistence across restarts.
func (w *Worker) Retries() int {
	return w.retries
}

// Deadline returns the deadline recorded by the worker's most recent park or
// failure, or the zero Time if it has neither parked nor failed. It is not
// cleared when the worker advances or retries.
func (w *Worker) Deadline() time.Time {
	return w.parkedAt
}

// Retry clears a PhaseFailed worker back to PhaseForward at the stage it
// failed on, for the reconciler to re-attempt after the backoff deadline
// elapses.
func (w *Worker) Retry() {
	if w.Phase != PhaseFailed {
		return
	}
	w.Phase = PhaseForward
	w.Stage = w.FailedStage
	w.FailErr = nil
}

// BeginTeardown switches the Worker into PhaseTeardown, unwinding it toward
// target. While a teardown is in progress, calling BeginTeardown with a
// target at or above (no deeper than) the current target is a no-op.
func (w *Worker) BeginTeardown(target Stage) {
	if w.Phase == PhaseTeardown && w.TargetStage <= target {
		return
	}
	w.Phase = PhaseTeardown
	w.TargetStage = target
}

// Done reports whether the worker has nothing left to do: forward progress
// reached STEADY, or teardown reached its target.
func (w *Worker) Done() bool {
	if w.Phase == PhaseForward {
		return w.Stage == StageSteady
	}
	if w.Phase == PhaseTeardown {
		return w.Stage == w.TargetStage
	}
	return false
}

// backoffDeadline computes the next retry deadline from the worker's retry
// count using exponential backoff with jitter.
func (w *Worker) backoffDeadline() time.Time {
	d := float64(backoffBase) * pow(backoffFactor, w.retries-1)
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jitter := (w.rng.Float64()*2 - 1) * backoffJitter * d
	delay := time.Duration(d + jitter)
	if delay < 0 {
		delay = 0
	}
	w.parkedAt = time.Now().Add(delay)
	return w.parkedAt
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	r := 1.0
	for range exp {
		r *= base
	}
	return r
}
