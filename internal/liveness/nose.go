package liveness

import (
	"time"

	"github.com/example/liveness-check/internal/challenge"
)

const (
	// NoseMaxDuration is how long the nose has to reach its box.
	NoseMaxDuration = 10 * time.Second
	// AreaBoxTolerance widens the area box on each side, as a fraction of
	// its size, while the nose moves.
	AreaBoxTolerance = 0.05
	// NoseBoxTolerance widens the nose box on each side, as a fraction of
	// its size.
	NoseBoxTolerance = 0.55
)

// NoseState tracks the nose tip until it reaches the nose box, then runs the
// NoseVerifier once.
type NoseState struct {
	geometry   challenge.Geometry
	areaBox    rect
	noseBox    rect
	verifier   *NoseVerifier
	trajectory []Point
	report     *VerificationReport
}

// NewNoseState uses the landmarks of reference as the starting pose.
func NewNoseState(geometry challenge.Geometry, reference Frame) *NoseState {
	var landmarks []Landmark
	if det, ok := reference.single(); ok {
		landmarks = det.Landmarks
	}
	return &NoseState{
		geometry: geometry,
		areaBox:  boxRect(geometry.Area).expand(AreaBoxTolerance),
		noseBox:  boxRect(geometry.Nose).expand(NoseBoxTolerance),
		verifier: NewNoseVerifier(geometry.ImageWidth, geometry.ImageHeight, geometry.ChallengeInTheRight(), landmarks),
	}
}

func (s *NoseState) Name() string { return StateNose }

// Process fails as soon as the face leaves the tolerant area box. Frames
// without a single face or without a nose landmark are inconclusive.
func (s *NoseState) Process(frame Frame) Outcome {
	det, ok := frame.single()
	if !ok {
		return Continue
	}

	w, h := float64(s.geometry.ImageWidth), float64(s.geometry.ImageHeight)
	if !s.areaBox.containsRect(pixelRect(det.BoundingBox, w, h)) {
		return Failed
	}

	nose, ok := det.Landmark(LandmarkNose)
	if !ok {
		return Continue
	}
	s.trajectory = append(s.trajectory, Point{X: nose.X, Y: nose.Y})
	if !s.noseBox.containsPoint(w*nose.X, h*nose.Y) {
		return Continue
	}

	report := s.verifier.Verify(s.trajectory, det.Landmarks, det.Pose)
	s.report = &report
	if report.Passed {
		return Passed
	}
	return Failed
}

func (s *NoseState) NextOnSuccess(Frame) State { return SuccessState{} }

func (s *NoseState) NextOnFailure(Frame) State { return FailState{} }

func (s *NoseState) MaxDuration() time.Duration { return NoseMaxDuration }

// Trajectory returns the nose positions recorded so far.
func (s *NoseState) Trajectory() []Point {
	return s.trajectory
}

// Report returns the verification report, or nil if the nose never reached
// its target.
func (s *NoseState) Report() *VerificationReport {
	return s.report
}
