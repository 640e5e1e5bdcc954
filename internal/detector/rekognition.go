package detector

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/rekognition"
	"github.com/aws/aws-sdk-go/service/rekognition/rekognitioniface"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
)

// RekognitionDetector runs Rekognition DetectFaces on frames stored in S3.
type RekognitionDetector struct {
	client rekognitioniface.RekognitionAPI
	bucket string
	logger *zap.Logger
}

// NewRekognitionDetector returns a detector reading frames from bucket.
func NewRekognitionDetector(client rekognitioniface.RekognitionAPI, bucket string, logger *zap.Logger) *RekognitionDetector {
	return &RekognitionDetector{client: client, bucket: bucket, logger: logger.Named("rekognition")}
}

// Detect returns every face Rekognition finds in the object at key.
func (d *RekognitionDetector) Detect(ctx context.Context, key string) ([]liveness.FaceDetection, error) {
	out, err := d.client.DetectFacesWithContext(ctx, &rekognition.DetectFacesInput{
		Attributes: aws.StringSlice([]string{rekognition.AttributeAll}),
		Image: &rekognition.Image{
			S3Object: &rekognition.S3Object{
				Bucket: aws.String(d.bucket),
				Name:   aws.String(key),
			},
		},
	})
	if err != nil {
		wrapped := logging.NewOperationError("detector.detect_faces", "", err)
		d.logger.Error("detect faces failed", zap.Error(wrapped), zap.String("key", key))
		return nil, wrapped
	}

	detections := make([]liveness.FaceDetection, 0, len(out.FaceDetails))
	for _, face := range out.FaceDetails {
		if face == nil {
			continue
		}
		detections = append(detections, toDetection(face))
	}
	return detections, nil
}

func toDetection(face *rekognition.FaceDetail) liveness.FaceDetection {
	var det liveness.FaceDetection
	if bb := face.BoundingBox; bb != nil {
		det.BoundingBox = liveness.BoundingBox{
			Left:   aws.Float64Value(bb.Left),
			Top:    aws.Float64Value(bb.Top),
			Width:  aws.Float64Value(bb.Width),
			Height: aws.Float64Value(bb.Height),
		}
	}
	for _, l := range face.Landmarks {
		if l == nil {
			continue
		}
		det.Landmarks = append(det.Landmarks, liveness.Landmark{
			Type: aws.StringValue(l.Type),
			X:    aws.Float64Value(l.X),
			Y:    aws.Float64Value(l.Y),
		})
	}
	if p := face.Pose; p != nil {
		det.Pose = liveness.Pose{
			Yaw:   aws.Float64Value(p.Yaw),
			Pitch: aws.Float64Value(p.Pitch),
			Roll:  aws.Float64Value(p.Roll),
		}
	}
	return det
}
