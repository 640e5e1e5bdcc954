// Package usecase implements the challenge lifecycle: start, frame upload and
// verification.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/liveness-check/internal/blobstore"
	"github.com/example/liveness-check/internal/challenge"
	"github.com/example/liveness-check/internal/detector"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/repository"
)

// ErrNotVerified is returned when a result is requested before verification ran.
var ErrNotVerified = errors.New("challenge not verified")

// ChallengeRepository defines the persistence operations needed by the use case.
type ChallengeRepository interface {
	CreateChallenge(ctx context.Context, c *repository.Challenge) error
	AppendFrame(ctx context.Context, challengeID string, timestamp int64, key string) error
	FindChallenge(ctx context.Context, challengeID string) (*repository.Challenge, error)
	FindByIDAndUser(ctx context.Context, challengeID, userID string) (*repository.Challenge, error)
	SaveResult(ctx context.Context, challengeID string, frames []repository.AnalysedFrame, result liveness.Result) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// FrameStore keeps raw frame bytes.
type FrameStore interface {
	PutFrame(ctx context.Context, key string, data []byte, contentType string) error
}

// TokenIssuer signs challenge tokens.
type TokenIssuer interface {
	Issue(challengeID string) (string, error)
}

// ChallengeResult is the stored outcome of a verified challenge.
type ChallengeResult struct {
	ChallengeID string    `json:"challenge_id"`
	UserID      string    `json:"user_id"`
	Success     bool      `json:"success"`
	State       string    `json:"state"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Option customises a ChallengeUseCase.
type Option func(*ChallengeUseCase)

// WithDetectorConcurrency bounds the number of concurrent detector calls.
func WithDetectorConcurrency(n int) Option {
	return func(uc *ChallengeUseCase) {
		if n > 0 {
			uc.concurrency = n
		}
	}
}

// WithRand sets the random source used to place nose boxes.
func WithRand(rng challenge.Rand) Option {
	return func(uc *ChallengeUseCase) {
		uc.rng = rng
	}
}

// ChallengeUseCase encapsulates business logic for the challenge flow.
type ChallengeUseCase struct {
	repo           ChallengeRepository
	frames         FrameStore
	detector       detector.Detector
	tokens         TokenIssuer
	cache          Cache
	logger         *zap.Logger
	concurrency    int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	resultTTL      time.Duration
	now            func() time.Time

	rngMu sync.Mutex
	rng   challenge.Rand
}

// NewChallengeUseCase constructs a new use case instance.
func NewChallengeUseCase(repo ChallengeRepository, frames FrameStore, det detector.Detector, tokens TokenIssuer, cache Cache, logger *zap.Logger, opts ...Option) *ChallengeUseCase {
	uc := &ChallengeUseCase{
		repo:           repo,
		frames:         frames,
		detector:       det,
		tokens:         tokens,
		cache:          cache,
		logger:         logger.Named("challenge_usecase"),
		concurrency:    10,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		resultTTL:      30 * time.Minute,
		now:            time.Now,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// StartChallenge creates and persists a challenge for userID.
func (uc *ChallengeUseCase) StartChallenge(ctx context.Context, userID string, imageWidth, imageHeight int) (*repository.Challenge, error) {
	id := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.start_challenge", id)

	uc.rngMu.Lock()
	geometry := challenge.NewGeometry(imageWidth, imageHeight, uc.rng)
	uc.rngMu.Unlock()

	token, err := uc.tokens.Issue(id)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.issue_token", id, err)
		opLogger.Error("failed to issue challenge token", zap.Error(wrapped))
		return nil, wrapped
	}

	record := repository.NewChallenge(id, userID, token, geometry)
	if err := uc.repo.CreateChallenge(ctx, record); err != nil {
		opLogger.Error("failed to persist challenge", zap.Error(err))
		return nil, err
	}

	opLogger.Info("challenge started",
		zap.String("user_id", userID),
		zap.Int("image_width", imageWidth),
		zap.Int("image_height", imageHeight),
		zap.Bool("challenge_in_the_right", geometry.ChallengeInTheRight()),
	)
	return record, nil
}

// PutFrame records a frame and uploads its bytes. The challenge must exist.
func (uc *ChallengeUseCase) PutFrame(ctx context.Context, challengeID string, timestamp int64, data []byte, contentType string) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.put_frame", challengeID)
	key := blobstore.FrameKey(challengeID, timestamp)

	if err := uc.repo.AppendFrame(ctx, challengeID, timestamp, key); err != nil {
		if !errors.Is(err, repository.ErrChallengeNotFound) && !errors.Is(err, repository.ErrFrameLimitReached) {
			opLogger.Error("failed to append frame", zap.Error(err))
		}
		return err
	}
	if err := uc.frames.PutFrame(ctx, key, data, contentType); err != nil {
		opLogger.Error("failed to store frame", zap.Error(err), zap.String("key", key))
		return err
	}
	return nil
}

// VerifyChallenge analyses every stored frame and replays them in capture
// order through a fresh state machine.
func (uc *ChallengeUseCase) VerifyChallenge(ctx context.Context, challengeID string) (*liveness.Result, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_challenge", challengeID)

	record, err := uc.repo.FindChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	analysed, err := uc.detectFrames(ctx, challengeID, record.Frames)
	if err != nil {
		opLogger.Error("face detection failed", zap.Error(err))
		return nil, err
	}

	frames := make([]liveness.Frame, len(analysed))
	for i, f := range analysed {
		frames[i] = liveness.Frame{Timestamp: f.Timestamp, Detections: f.Detections}
	}
	manager := liveness.NewStateManager(liveness.NewFaceState(record.Geometry()), opLogger)
	result := manager.Run(frames)

	if err := uc.repo.SaveResult(ctx, challengeID, analysed, result); err != nil {
		opLogger.Error("failed to persist result", zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{
		zap.Bool("success", result.Success),
		zap.String("state", result.State),
		zap.Int("frames", len(frames)),
	}
	if v := result.Verification; v != nil {
		fields = append(fields,
			zap.String("reason", v.Reason),
			zap.Float64("trajectory_error", v.TrajectoryError),
			zap.Float64("distance", v.Distance),
			zap.Float64("min_distance", v.MinDistance),
			zap.Float64("yaw", v.Yaw),
		)
	}
	opLogger.Info("challenge verified", fields...)

	cached := ChallengeResult{
		ChallengeID: challengeID,
		UserID:      record.UserID,
		Success:     result.Success,
		State:       result.State,
		VerifiedAt:  uc.now().UTC(),
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize challenge result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, challengeID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultCacheKey(challengeID), string(serialized), uc.resultTTL)
	}); err != nil {
		// Already persisted; GetResult falls back to the repository.
		opLogger.Warn("failed to cache challenge result", zap.Error(err))
	}

	return &result, nil
}

// detectFrames calls the detector for every frame with bounded concurrency
// and returns the results sorted by numeric timestamp.
func (uc *ChallengeUseCase) detectFrames(ctx context.Context, challengeID string, stored []repository.ChallengeFrame) ([]repository.AnalysedFrame, error) {
	results := make(chan repository.AnalysedFrame, len(stored))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for _, frame := range stored {
		frame := frame
		g.Go(func() error {
			detections, err := uc.detector.Detect(gctx, frame.Key)
			if err != nil {
				return err
			}
			results <- repository.AnalysedFrame{Timestamp: frame.Timestamp, Key: frame.Key, Detections: detections}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, logging.NewOperationError("usecase.detect_faces", challengeID, err)
	}
	close(results)

	analysed := make([]repository.AnalysedFrame, 0, len(stored))
	for r := range results {
		analysed = append(analysed, r)
	}
	sort.SliceStable(analysed, func(i, j int) bool {
		return analysed[i].Timestamp < analysed[j].Timestamp
	})
	return analysed, nil
}

// GetResult retrieves a cached challenge outcome or loads it from persistence.
func (uc *ChallengeUseCase) GetResult(ctx context.Context, userID, challengeID string) (*ChallengeResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", challengeID)

	if cached, err := uc.withRedisGet(ctx, challengeID, "cache.get.result", resultCacheKey(challengeID)); err == nil {
		var payload ChallengeResult
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return &payload, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByIDAndUser(ctx, challengeID, userID)
	if err != nil {
		return nil, err
	}
	if record.Success == nil {
		return nil, ErrNotVerified
	}
	return &ChallengeResult{
		ChallengeID: record.ID,
		UserID:      record.UserID,
		Success:     *record.Success,
		State:       record.FinalState,
		VerifiedAt:  record.UpdatedAt,
	}, nil
}

func (uc *ChallengeUseCase) withRedisRetry(ctx context.Context, challengeID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, challengeID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, challengeID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, challengeID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, challengeID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, challengeID, err)
}

func (uc *ChallengeUseCase) withRedisGet(ctx context.Context, challengeID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, challengeID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
