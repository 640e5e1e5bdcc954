package liveness

import (
	"github.com/example/liveness-check/internal/challenge"
)

const (
	imgW = 640.0
	imgH = 480.0
)

// rightGeometry is a 640x480 challenge whose nose box lies 60px right of center.
// Tolerant area box: x 171.5..468.5, y 42..438. Tolerant nose box: x 369..411, y 229..271.
func rightGeometry() challenge.Geometry {
	return challenge.Geometry{
		ImageWidth:         640,
		ImageHeight:        480,
		Area:               challenge.Box{Left: 185, Top: 60, Width: 270, Height: 360},
		Nose:               challenge.Box{Left: 380, Top: 240, Width: 20, Height: 20},
		MinFaceAreaPercent: challenge.MinFaceAreaPercent,
	}
}

// leftGeometry mirrors rightGeometry with the nose box left of center.
func leftGeometry() challenge.Geometry {
	g := rightGeometry()
	g.Nose = challenge.Box{Left: 240, Top: 240, Width: 20, Height: 20}
	return g
}

func pxBox(left, top, width, height float64) BoundingBox {
	return BoundingBox{Left: left / imgW, Top: top / imgH, Width: width / imgW, Height: height / imgH}
}

func pxLandmark(kind string, x, y float64) Landmark {
	return Landmark{Type: kind, X: x / imgW, Y: y / imgH}
}

// centeredFace fits the area box and covers about 74% of it.
var centeredFace = pxBox(200, 100, 240, 300)

// faceLandmarks returns twelve landmarks: four corners fixing the histogram
// range, seven fillers near the center and the nose tip. Moving the nose from
// the center column to the right column shifts one of twelve landmarks across
// bins, a histogram distance of sqrt(2)/12 ≈ 0.118.
func faceLandmarks(noseX, noseY float64) []Landmark {
	ls := []Landmark{
		pxLandmark("eyeLeft", 210, 110),
		pxLandmark("eyeRight", 430, 110),
		pxLandmark("mouthLeft", 210, 390),
		pxLandmark("mouthRight", 430, 390),
	}
	for i := 0; i < 7; i++ {
		ls = append(ls, pxLandmark("midpoint", 320, 250))
	}
	return append(ls, pxLandmark(LandmarkNose, noseX, noseY))
}

func detection(box BoundingBox, landmarks []Landmark, yaw float64) FaceDetection {
	return FaceDetection{BoundingBox: box, Landmarks: landmarks, Pose: Pose{Yaw: yaw}}
}

func frameWith(ts int64, dets ...FaceDetection) Frame {
	return Frame{Timestamp: ts, Detections: dets}
}

func noseFrame(ts int64, noseX, noseY, yaw float64) Frame {
	return frameWith(ts, detection(centeredFace, faceLandmarks(noseX, noseY), yaw))
}

// linePath returns nose positions on a straight line from the image center to
// (390, 250), the last one inside the tolerant nose box.
func linePath() [][2]float64 {
	var path [][2]float64
	for _, x := range []float64{330, 345, 360, 390} {
		path = append(path, [2]float64{x, 240 + (x-320)/7})
	}
	return path
}

// successFrames walks a full challenge: one face, placed face, then a smooth
// nose path ending in the box with the given yaw.
func successFrames(finalYaw float64) []Frame {
	frames := []Frame{
		noseFrame(0, 320, 240, 0),
		noseFrame(100, 320, 240, 0),
	}
	path := linePath()
	for i, p := range path {
		yaw := 0.0
		if i == len(path)-1 {
			yaw = finalYaw
		}
		frames = append(frames, noseFrame(int64(200+100*i), p[0], p[1], yaw))
	}
	return frames
}
