package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/liveness-check/internal/challenge"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
)

// MaxFramesPerChallenge bounds the frames stored for one challenge.
const MaxFramesPerChallenge = 1000

var (
	// ErrChallengeNotFound is returned when no challenge matches the lookup.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrFrameLimitReached is returned when a challenge already holds
	// MaxFramesPerChallenge frames.
	ErrFrameLimitReached = errors.New("frame limit reached")
)

// Challenge is a persisted liveness challenge.
type Challenge struct {
	ID                 string           `gorm:"primaryKey;size:64"`
	UserID             string           `gorm:"column:user_id;size:64;index"`
	ImageWidth         int              `gorm:"column:image_width"`
	ImageHeight        int              `gorm:"column:image_height"`
	AreaLeft           int              `gorm:"column:area_left"`
	AreaTop            int              `gorm:"column:area_top"`
	AreaWidth          int              `gorm:"column:area_width"`
	AreaHeight         int              `gorm:"column:area_height"`
	NoseLeft           int              `gorm:"column:nose_left"`
	NoseTop            int              `gorm:"column:nose_top"`
	NoseWidth          int              `gorm:"column:nose_width"`
	NoseHeight         int              `gorm:"column:nose_height"`
	MinFaceAreaPercent int              `gorm:"column:min_face_area_percent"`
	Token              string           `gorm:"column:token;type:text"`
	Success            *bool            `gorm:"column:success"`
	FinalState         string           `gorm:"column:final_state;size:16"`
	Frames             []ChallengeFrame `gorm:"foreignKey:ChallengeID"`
	CreatedAt          time.Time        `gorm:"column:created_at"`
	UpdatedAt          time.Time        `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Challenge) TableName() string {
	return "challenges"
}

// Geometry rebuilds the challenge layout from the stored columns.
func (c *Challenge) Geometry() challenge.Geometry {
	return challenge.Geometry{
		ImageWidth:         c.ImageWidth,
		ImageHeight:        c.ImageHeight,
		Area:               challenge.Box{Left: c.AreaLeft, Top: c.AreaTop, Width: c.AreaWidth, Height: c.AreaHeight},
		Nose:               challenge.Box{Left: c.NoseLeft, Top: c.NoseTop, Width: c.NoseWidth, Height: c.NoseHeight},
		MinFaceAreaPercent: c.MinFaceAreaPercent,
	}
}

// NewChallenge builds a record for a freshly generated geometry.
func NewChallenge(id, userID, token string, g challenge.Geometry) *Challenge {
	return &Challenge{
		ID:                 id,
		UserID:             userID,
		ImageWidth:         g.ImageWidth,
		ImageHeight:        g.ImageHeight,
		AreaLeft:           g.Area.Left,
		AreaTop:            g.Area.Top,
		AreaWidth:          g.Area.Width,
		AreaHeight:         g.Area.Height,
		NoseLeft:           g.Nose.Left,
		NoseTop:            g.Nose.Top,
		NoseWidth:          g.Nose.Width,
		NoseHeight:         g.Nose.Height,
		MinFaceAreaPercent: g.MinFaceAreaPercent,
		Token:              token,
	}
}

// ChallengeFrame is one uploaded frame of a challenge.
type ChallengeFrame struct {
	ID          uint   `gorm:"primaryKey"`
	ChallengeID string `gorm:"column:challenge_id;size:64;uniqueIndex:idx_challenge_frame"`
	Timestamp   int64  `gorm:"column:frame_timestamp;uniqueIndex:idx_challenge_frame"`
	Key         string `gorm:"column:object_key;size:255"`
	Detections  string `gorm:"column:detections;type:text"`
}

// TableName overrides the default table name.
func (ChallengeFrame) TableName() string {
	return "challenge_frames"
}

// AnalysedFrame pairs a stored frame with the detector output for it.
type AnalysedFrame struct {
	Timestamp  int64
	Key        string
	Detections []liveness.FaceDetection
}

// MetricsAggregation holds raw counters used for the metrics summary.
type MetricsAggregation struct {
	TotalCount    int64 `gorm:"column:total_count"`
	VerifiedCount int64 `gorm:"column:verified_count"`
	SuccessCount  int64 `gorm:"column:success_count"`
	FrameCount    int64 `gorm:"column:frame_count"`
}

// ChallengeRepository provides persistence APIs for challenges and frames.
type ChallengeRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	maxFrames      int64
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewChallengeRepository creates a new repository instance.
func NewChallengeRepository(db *gorm.DB, logger *zap.Logger) *ChallengeRepository {
	return &ChallengeRepository{
		db:             db,
		logger:         logger.Named("challenge_repository"),
		maxFrames:      MaxFramesPerChallenge,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ChallengeRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Challenge{}, &ChallengeFrame{})
}

// CreateChallenge persists a new challenge.
func (r *ChallengeRepository) CreateChallenge(ctx context.Context, c *Challenge) error {
	return r.executeWithRetry(ctx, "repository.create_challenge", c.ID, func() error {
		return r.db.WithContext(ctx).Create(c).Error
	})
}

// AppendFrame records a frame for an existing challenge. It fails with
// ErrChallengeNotFound when the challenge does not exist. A frame sent again
// with the same timestamp replaces the earlier one.
func (r *ChallengeRepository) AppendFrame(ctx context.Context, challengeID string, timestamp int64, key string) error {
	return r.executeWithRetry(ctx, "repository.append_frame", challengeID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Challenge{}).Where("id = ?", challengeID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrChallengeNotFound
			}

			var others int64
			if err := tx.Model(&ChallengeFrame{}).
				Where("challenge_id = ? AND frame_timestamp <> ?", challengeID, timestamp).
				Count(&others).Error; err != nil {
				return err
			}
			if others >= r.maxFrames {
				return ErrFrameLimitReached
			}

			frame := &ChallengeFrame{ChallengeID: challengeID, Timestamp: timestamp, Key: key}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "challenge_id"}, {Name: "frame_timestamp"}},
				DoUpdates: clause.Assignments(map[string]interface{}{"object_key": key, "detections": ""}),
			}).Create(frame).Error
		})
	})
}

// FindChallenge loads a challenge with its frames in timestamp order.
func (r *ChallengeRepository) FindChallenge(ctx context.Context, challengeID string) (*Challenge, error) {
	var c Challenge
	err := r.executeWithRetry(ctx, "repository.find_challenge", challengeID, func() error {
		err := r.db.WithContext(ctx).
			Preload("Frames", func(db *gorm.DB) *gorm.DB { return db.Order("frame_timestamp ASC") }).
			First(&c, "id = ?", challengeID).Error
		return notFound(err)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindByIDAndUser retrieves a challenge matching the id and owner.
func (r *ChallengeRepository) FindByIDAndUser(ctx context.Context, challengeID, userID string) (*Challenge, error) {
	var c Challenge
	err := r.executeWithRetry(ctx, "repository.find_challenge_by_user", challengeID, func() error {
		return notFound(r.db.WithContext(ctx).First(&c, "id = ? AND user_id = ?", challengeID, userID).Error)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveResult stores the detector output of every frame and the outcome.
func (r *ChallengeRepository) SaveResult(ctx context.Context, challengeID string, frames []AnalysedFrame, result liveness.Result) error {
	encoded := make([]string, len(frames))
	for i, f := range frames {
		raw, err := json.Marshal(f.Detections)
		if err != nil {
			return logging.NewOperationError("repository.save_result", challengeID, fmt.Errorf("encode detections: %w", err))
		}
		encoded[i] = string(raw)
	}

	return r.executeWithRetry(ctx, "repository.save_result", challengeID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i, f := range frames {
				err := tx.Model(&ChallengeFrame{}).
					Where("challenge_id = ? AND frame_timestamp = ?", challengeID, f.Timestamp).
					Update("detections", encoded[i]).Error
				if err != nil {
					return err
				}
			}
			res := tx.Model(&Challenge{}).Where("id = ?", challengeID).Updates(map[string]interface{}{
				"success":     result.Success,
				"final_state": result.State,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrChallengeNotFound
			}
			return nil
		})
	})
}

// AggregateMetrics counts challenges, verified outcomes and frames.
func (r *ChallengeRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx)
		if err := db.Model(&Challenge{}).Select(
			"COUNT(*) AS total_count, " +
				"COUNT(success) AS verified_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count",
		).Scan(&agg).Error; err != nil {
			return err
		}
		return db.Model(&ChallengeFrame{}).Count(&agg.FrameCount).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrChallengeNotFound
	}
	return err
}

func (r *ChallengeRepository) executeWithRetry(ctx context.Context, operation, challengeID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, challengeID)
	attempts := max(r.retryAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, challengeID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			if !errors.Is(err, ErrChallengeNotFound) && !errors.Is(err, ErrFrameLimitReached) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, challengeID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, challengeID, err)
}
