package liveness

import "time"

// Outcome is the decision a state takes on one frame.
type Outcome int

const (
	// Continue keeps the current state; the frame was inconclusive.
	Continue Outcome = iota
	// Passed advances along the success transition.
	Passed
	// Failed advances along the failure transition.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "continue"
	}
}

// State names.
const (
	StateFace    = "Face"
	StateArea    = "Area"
	StateNose    = "Nose"
	StateSuccess = "Success"
	StateFail    = "Fail"
)

// State evaluates frames one at a time. frame passed to the Next methods is
// the frame that produced the transition.
type State interface {
	Name() string
	Process(frame Frame) Outcome
	NextOnSuccess(frame Frame) State
	NextOnFailure(frame Frame) State
	// MaxDuration bounds the time spent in the state, measured from the
	// timestamp of the frame that entered it. Zero means no limit.
	MaxDuration() time.Duration
}

// SuccessState is terminal: the challenge was completed.
type SuccessState struct{}

func (SuccessState) Name() string                { return StateSuccess }
func (SuccessState) Process(Frame) Outcome       { return Continue }
func (s SuccessState) NextOnSuccess(Frame) State { return s }
func (s SuccessState) NextOnFailure(Frame) State { return s }
func (SuccessState) MaxDuration() time.Duration  { return 0 }

// FailState is terminal: the challenge was not completed.
type FailState struct{}

func (FailState) Name() string                { return StateFail }
func (FailState) Process(Frame) Outcome       { return Continue }
func (s FailState) NextOnSuccess(Frame) State { return s }
func (s FailState) NextOnFailure(Frame) State { return s }
func (FailState) MaxDuration() time.Duration  { return 0 }

// IsTerminal reports whether no further frame can change s.
func IsTerminal(s State) bool {
	switch s.(type) {
	case SuccessState, *SuccessState, FailState, *FailState:
		return true
	}
	return false
}
