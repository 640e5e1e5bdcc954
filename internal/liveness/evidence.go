// Package liveness decides whether a sequence of analysed camera frames shows
// a live person completing a head movement challenge.
//
// Frames are fed in capture order through a StateManager, which walks the
// states Face, Area and Nose until one of the terminal states Success or Fail
// is reached.
package liveness

import "errors"

// LandmarkNose is the landmark type of the nose tip.
const LandmarkNose = "nose"

// ErrChallengeFailed is returned by callers that turn a failed pass into an error.
var ErrChallengeFailed = errors.New("liveness challenge failed")

// BoundingBox is a face box in coordinates relative to the image size.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Landmark is a named facial keypoint in relative image coordinates.
type Landmark struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Pose holds head orientation angles in degrees.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// FaceDetection is one face found by the detector in a frame.
type FaceDetection struct {
	BoundingBox BoundingBox `json:"boundingBox"`
	Landmarks   []Landmark  `json:"landmarks"`
	Pose        Pose        `json:"pose"`
}

// Landmark returns the first landmark of the given type.
func (d FaceDetection) Landmark(kind string) (Landmark, bool) {
	for _, l := range d.Landmarks {
		if l.Type == kind {
			return l, true
		}
	}
	return Landmark{}, false
}

// Frame is the detector output for one captured image.
type Frame struct {
	Timestamp  int64           `json:"timestamp"`
	Detections []FaceDetection `json:"detections"`
}

// single returns the only detection of the frame. Frames with no face or with
// several faces carry no usable evidence.
func (f Frame) single() (FaceDetection, bool) {
	if len(f.Detections) != 1 {
		return FaceDetection{}, false
	}
	return f.Detections[0], true
}

// Point is a position in relative image coordinates.
type Point struct {
	X, Y float64
}

// rect is a rectangle in image pixels.
type rect struct {
	left, top, width, height float64
}

func pixelRect(b BoundingBox, imageWidth, imageHeight float64) rect {
	return rect{
		left:   imageWidth * b.Left,
		top:    imageHeight * b.Top,
		width:  imageWidth * b.Width,
		height: imageHeight * b.Height,
	}
}

// expand grows r by fraction of its size on every side.
func (r rect) expand(fraction float64) rect {
	dw := r.width * fraction
	dh := r.height * fraction
	return rect{
		left:   r.left - dw,
		top:    r.top - dh,
		width:  r.width + 2*dw,
		height: r.height + 2*dh,
	}
}

func (r rect) area() float64 {
	return r.width * r.height
}

func (r rect) containsRect(o rect) bool {
	return r.left <= o.left &&
		r.top <= o.top &&
		r.left+r.width >= o.left+o.width &&
		r.top+r.height >= o.top+o.height
}

func (r rect) containsPoint(x, y float64) bool {
	return r.left <= x && x <= r.left+r.width &&
		r.top <= y && y <= r.top+r.height
}
