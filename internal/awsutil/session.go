// Package awsutil builds the shared AWS session.
package awsutil

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

// NewSession returns a session for region. Static credentials are used when
// both keys are set, otherwise the default provider chain applies.
func NewSession(region, accessKeyID, secretAccessKey string) (*session.Session, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKeyID, secretAccessKey, "")
	}
	return session.NewSession(cfg)
}
