package liveness

import (
	"time"

	"github.com/example/liveness-check/internal/challenge"
)

// AreaState waits until the face sits inside the area box and covers enough
// of it.
type AreaState struct {
	geometry challenge.Geometry
	areaBox  rect
}

// NewAreaState returns the state that checks face placement.
func NewAreaState(geometry challenge.Geometry) *AreaState {
	return &AreaState{
		geometry: geometry,
		areaBox:  boxRect(geometry.Area),
	}
}

func (s *AreaState) Name() string { return StateArea }

// Process passes once the face box is fully contained in the area box and
// large enough. It never fails.
func (s *AreaState) Process(frame Frame) Outcome {
	det, ok := frame.single()
	if !ok {
		return Continue
	}
	face := pixelRect(det.BoundingBox, float64(s.geometry.ImageWidth), float64(s.geometry.ImageHeight))
	if s.areaBox.containsRect(face) && hasMinFaceArea(s.areaBox, face, s.geometry.MinFaceAreaPercent) {
		return Passed
	}
	return Continue
}

// NextOnSuccess starts the nose challenge with frame as the reference pose.
func (s *AreaState) NextOnSuccess(frame Frame) State {
	return NewNoseState(s.geometry, frame)
}

// NextOnFailure goes back to face detection. Process never returns Failed,
// so this transition is currently unreachable.
func (s *AreaState) NextOnFailure(Frame) State {
	return NewFaceState(s.geometry)
}

func (s *AreaState) MaxDuration() time.Duration { return 0 }

func hasMinFaceArea(areaBox, face rect, minPercent int) bool {
	percent := face.area() * 100 / areaBox.area()
	return percent+challenge.MinFaceAreaPercentTolerance >= float64(minPercent)
}

func boxRect(b challenge.Box) rect {
	return rect{
		left:   float64(b.Left),
		top:    float64(b.Top),
		width:  float64(b.Width),
		height: float64(b.Height),
	}
}
