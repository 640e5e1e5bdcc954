// Package challenge computes where the face and nose targets of a liveness
// challenge are placed on the camera image.
package challenge

const (
	AreaBoxWidthRatio           = 0.75
	AreaBoxHeightRatio          = 0.75
	AreaBoxAspectRatio          = 0.75
	MinFaceAreaPercent          = 50
	MinFaceAreaPercentTolerance = 20
	NoseBoxSize                 = 20
	NoseBoxCenterMinHDist       = 45
	NoseBoxCenterMaxHDist       = 75
	NoseBoxCenterMaxVDist       = 40
)

// Box is an axis aligned rectangle in image pixels.
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rand is the source of randomness used to place the nose box.
// *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Geometry is the immutable layout of one challenge.
type Geometry struct {
	ImageWidth         int `json:"imageWidth"`
	ImageHeight        int `json:"imageHeight"`
	Area               Box `json:"areaBox"`
	Nose               Box `json:"noseBox"`
	MinFaceAreaPercent int `json:"minFaceAreaPercent"`
}

// NewGeometry places the area box at the image center and the nose box at a
// random offset to the left or right of it.
func NewGeometry(imageWidth, imageHeight int, rng Rand) Geometry {
	return Geometry{
		ImageWidth:         imageWidth,
		ImageHeight:        imageHeight,
		Area:               AreaBox(imageWidth, imageHeight),
		Nose:               NoseBox(imageWidth, imageHeight, rng),
		MinFaceAreaPercent: MinFaceAreaPercent,
	}
}

// AreaBox returns the centered box the face has to stay inside.
func AreaBox(imageWidth, imageHeight int) Box {
	height := float64(imageHeight) * AreaBoxHeightRatio
	width := min(float64(imageWidth)*AreaBoxWidthRatio, height*AreaBoxAspectRatio)
	left := float64(imageWidth)/2 - width/2
	top := float64(imageHeight)/2 - height/2
	return Box{Left: int(left), Top: int(top), Width: int(width), Height: int(height)}
}

// NoseBox returns the target the nose tip has to reach. Its near edge sits
// between 45 and 75 pixels from the vertical center line and up to 40 pixels
// from the horizontal one.
func NoseBox(imageWidth, imageHeight int, rng Rand) Box {
	hSign := sign(rng)
	hOffset := NoseBoxCenterMinHDist + rng.Intn(NoseBoxCenterMaxHDist-NoseBoxCenterMinHDist+1)
	left := float64(imageWidth)/2 + float64(hSign*hOffset)
	if hSign < 0 {
		left -= NoseBoxSize
	}

	vSign := sign(rng)
	vOffset := rng.Intn(NoseBoxCenterMaxVDist + 1)
	top := float64(imageHeight)/2 + float64(vSign*vOffset)
	if vSign < 0 {
		top -= NoseBoxSize
	}
	return Box{Left: int(left), Top: int(top), Width: NoseBoxSize, Height: NoseBoxSize}
}

// ChallengeInTheRight reports whether the nose box center lies right of the
// image center.
func (g Geometry) ChallengeInTheRight() bool {
	return float64(g.Nose.Left)+NoseBoxSize/2.0 > float64(g.ImageWidth)/2
}

func sign(rng Rand) int {
	if rng.Intn(2) == 0 {
		return 1
	}
	return -1
}
