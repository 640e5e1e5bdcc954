package liveness

import (
	"time"

	"github.com/example/liveness-check/internal/challenge"
)

// FaceState waits for a frame showing exactly one face.
type FaceState struct {
	geometry challenge.Geometry
}

// NewFaceState returns the first state of a challenge.
func NewFaceState(geometry challenge.Geometry) *FaceState {
	return &FaceState{geometry: geometry}
}

func (s *FaceState) Name() string { return StateFace }

// Process never fails: frames with zero or several faces are skipped.
func (s *FaceState) Process(frame Frame) Outcome {
	if len(frame.Detections) == 1 {
		return Passed
	}
	return Continue
}

func (s *FaceState) NextOnSuccess(Frame) State {
	return NewAreaState(s.geometry)
}

// NextOnFailure is unreachable since Process never returns Failed. It leads
// to Fail so the manager always has a successor.
// TODO: confirm with the challenge designers whether a face count timeout
// should exist here before adding a failure condition.
func (s *FaceState) NextOnFailure(Frame) State {
	return FailState{}
}

func (s *FaceState) MaxDuration() time.Duration { return 0 }
