// Package detector turns stored frames into face detections.
package detector

import (
	"context"

	"github.com/example/liveness-check/internal/liveness"
)

// Detector exposes the subset of face analysis used by the verification flow.
// key locates the frame in the blob store.
type Detector interface {
	Detect(ctx context.Context, key string) ([]liveness.FaceDetection, error)
}
