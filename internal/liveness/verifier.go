package liveness

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// TrajectoryErrorThreshold is the largest RMS residual of the nose path
	// fit that still counts as a smooth head turn.
	TrajectoryErrorThreshold = 0.01
	// HistogramBins is the number of bins per axis of the landmark histogram.
	HistogramBins = 3
	// RotationThreshold is the yaw, in degrees, beyond which the head counts
	// as rotated.
	RotationThreshold = 5.0

	minDist                 = 0.10
	minDistFactorRotated    = 0.75
	minDistFactorNotRotated = 1.5

	// MinDistRotated is the histogram distance required when the head turned
	// towards the nose box.
	MinDistRotated = minDist * minDistFactorRotated
	// MinDistNotRotated is the histogram distance required when no rotation
	// was measured.
	MinDistNotRotated = minDist * minDistFactorNotRotated
)

// Failure reasons reported by NoseVerifier.
const (
	ReasonErraticTrajectory = "erratic_trajectory"
	ReasonWrongRotation     = "wrong_rotation"
	ReasonInsufficientShift = "insufficient_shift"
)

// VerificationReport describes one run of the nose challenge check.
type VerificationReport struct {
	Passed          bool    `json:"passed"`
	Reason          string  `json:"reason,omitempty"`
	TrajectoryError float64 `json:"trajectoryError"`
	Distance        float64 `json:"distance"`
	MinDistance     float64 `json:"minDistance"`
	Yaw             float64 `json:"yaw"`
}

// NoseVerifier compares the pose at the moment the nose reaches its target
// with the reference pose captured when the challenge started.
type NoseVerifier struct {
	imageWidth          float64
	imageHeight         float64
	challengeInTheRight bool
	reference           []float64
}

// NewNoseVerifier precomputes the landmark histogram of the reference frame.
func NewNoseVerifier(imageWidth, imageHeight int, challengeInTheRight bool, reference []Landmark) *NoseVerifier {
	v := &NoseVerifier{
		imageWidth:          float64(imageWidth),
		imageHeight:         float64(imageHeight),
		challengeInTheRight: challengeInTheRight,
	}
	v.reference = v.histogram(reference)
	return v
}

// Verify runs the smoothness, distribution shift and rotation checks.
func (v *NoseVerifier) Verify(trajectory []Point, current []Landmark, pose Pose) VerificationReport {
	report := VerificationReport{Yaw: pose.Yaw}

	report.TrajectoryError = TrajectoryError(trajectory)
	if report.TrajectoryError > TrajectoryErrorThreshold {
		report.Reason = ReasonErraticTrajectory
		return report
	}

	report.Distance = floats.Distance(v.reference, v.histogram(current), 2)
	report.MinDistance, report.Passed, report.Reason = Decide(report.Distance, pose.Yaw, v.challengeInTheRight)
	return report
}

// Decide applies the rotation aware threshold to a histogram distance. The
// distance has to be strictly greater than the threshold to pass.
func Decide(distance, yaw float64, challengeInTheRight bool) (threshold float64, passed bool, reason string) {
	threshold, ok := MinDistance(yaw, challengeInTheRight)
	if !ok {
		return 0, false, ReasonWrongRotation
	}
	if distance > threshold {
		return threshold, true, ""
	}
	return threshold, false, ReasonInsufficientShift
}

// MinDistance returns the histogram distance a frame must exceed given its
// yaw. ok is false when the head turned away from the challenge side.
func MinDistance(yaw float64, challengeInTheRight bool) (threshold float64, ok bool) {
	rotatedRight := yaw > RotationThreshold
	rotatedLeft := yaw < -RotationThreshold

	switch {
	case (rotatedRight && challengeInTheRight) || (rotatedLeft && !challengeInTheRight):
		return MinDistRotated, true
	case !rotatedRight && !rotatedLeft:
		return MinDistNotRotated, true
	default:
		return 0, false
	}
}

// TrajectoryError fits y = a·x² + b·x + c to the points by least squares and
// returns the root mean square residual. Fewer than three points fit exactly.
func TrajectoryError(points []Point) float64 {
	n := len(points)
	if n == 0 {
		return 0
	}

	design := mat.NewDense(n, 3, nil)
	ys := make([]float64, n)
	for i, p := range points {
		design.Set(i, 0, p.X*p.X)
		design.Set(i, 1, p.X)
		design.Set(i, 2, 1)
		ys[i] = p.Y
	}

	// Column scaling keeps the solve well conditioned when x spans a small range.
	for j := 0; j < 3; j++ {
		norm := floats.Norm(mat.Col(nil, j, design), 2)
		if norm == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			design.Set(i, j, design.At(i, j)/norm)
		}
	}

	// Thin factors keep U at n×3.
	var svd mat.SVD
	if !svd.Factorize(design, mat.SVDThin) {
		return math.Inf(1)
	}
	rank := svd.Rank(float64(n) * epsilon)

	b := mat.NewDense(n, 1, ys)
	var coef mat.Dense
	svd.SolveTo(&coef, b, rank)

	var fitted mat.Dense
	fitted.Mul(design, &coef)
	residuals := make([]float64, n)
	floats.SubTo(residuals, ys, mat.Col(nil, 0, &fitted))

	return math.Sqrt(floats.Dot(residuals, residuals) / float64(n))
}

const epsilon = 2.220446049250313e-16

// histogram bins the landmark pixel positions on a HistogramBins×HistogramBins
// grid spanning their own extent and normalises by the landmark count.
func (v *NoseVerifier) histogram(landmarks []Landmark) []float64 {
	hist := make([]float64, HistogramBins*HistogramBins)
	if len(landmarks) == 0 {
		return hist
	}

	xs := make([]float64, len(landmarks))
	ys := make([]float64, len(landmarks))
	for i, l := range landmarks {
		xs[i] = v.imageWidth * l.X
		ys[i] = v.imageHeight * l.Y
	}
	xEdges := binEdges(xs)
	yEdges := binEdges(ys)
	for i := range xs {
		hist[binIndex(xs[i], xEdges)*HistogramBins+binIndex(ys[i], yEdges)]++
	}

	floats.Scale(1/float64(len(landmarks)), hist)
	return hist
}

// binEdges returns equally spaced edges over [min, max]. A zero-width range is
// widened by half a unit on each side.
func binEdges(values []float64) []float64 {
	lo, hi := floats.Min(values), floats.Max(values)
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	return floats.Span(make([]float64, HistogramBins+1), lo, hi)
}

// binIndex finds the bin holding value. Bins are half open except the last,
// which also holds the upper edge.
func binIndex(value float64, edges []float64) int {
	for i := len(edges) - 2; i > 0; i-- {
		if value >= edges[i] {
			return i
		}
	}
	return 0
}
