package liveness

import (
	"go.uber.org/zap"
)

// Result is the outcome of one verification pass.
type Result struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	// Verification is set when the nose reached its target and the
	// challenge check ran.
	Verification *VerificationReport `json:"verification,omitempty"`
}

// StateManager feeds frames to the current state and enforces its deadline.
// It is not safe for concurrent use; frames must arrive in non-decreasing
// timestamp order.
type StateManager struct {
	current     State
	deadline    int64
	hasDeadline bool
	report      *VerificationReport
	logger      *zap.Logger
}

// NewStateManager starts in first. A nil logger discards transition logs.
func NewStateManager(first State, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{current: first, logger: logger}
}

// Current returns the active state.
func (m *StateManager) Current() State {
	return m.current
}

// Done reports whether a terminal state was reached.
func (m *StateManager) Done() bool {
	return IsTerminal(m.current)
}

// Process evaluates one frame. A frame past the deadline of the current
// state moves to Fail without being evaluated.
func (m *StateManager) Process(frame Frame) {
	if m.Done() {
		return
	}

	if m.hasDeadline && frame.Timestamp > m.deadline {
		m.logger.Debug("state deadline exceeded",
			zap.String("state", m.current.Name()),
			zap.Int64("deadline", m.deadline),
			zap.Int64("timestamp", frame.Timestamp),
		)
		m.enter(FailState{}, frame.Timestamp)
		return
	}

	var next State
	switch outcome := m.current.Process(frame); outcome {
	case Passed:
		next = m.current.NextOnSuccess(frame)
	case Failed:
		next = m.current.NextOnFailure(frame)
	default:
		return
	}

	if nose, ok := m.current.(*NoseState); ok && nose.Report() != nil {
		m.report = nose.Report()
	}
	m.logger.Debug("state transition",
		zap.String("from", m.current.Name()),
		zap.String("to", next.Name()),
		zap.Int64("timestamp", frame.Timestamp),
	)
	m.enter(next, frame.Timestamp)
}

func (m *StateManager) enter(state State, timestamp int64) {
	m.current = state
	if d := state.MaxDuration(); d > 0 {
		m.deadline = timestamp + d.Milliseconds()
		m.hasDeadline = true
		return
	}
	m.deadline = 0
	m.hasDeadline = false
}

// Run processes frames until a terminal state is reached or frames run out.
// Running out of frames counts as failure.
func (m *StateManager) Run(frames []Frame) Result {
	for _, frame := range frames {
		m.Process(frame)
		if m.Done() {
			break
		}
	}
	return m.Result()
}

// Result reports the current outcome.
func (m *StateManager) Result() Result {
	return Result{
		Success:      m.current.Name() == StateSuccess,
		State:        m.current.Name(),
		Verification: m.report,
	}
}
