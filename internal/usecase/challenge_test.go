package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/challenge"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/repository"
)

type stubRepository struct {
	mu          sync.Mutex
	created     []*repository.Challenge
	createErr   error
	appended    []string
	appendErr   error
	challenge   *repository.Challenge
	findErr     error
	userLookup  *repository.Challenge
	savedFrames []repository.AnalysedFrame
	savedResult *liveness.Result
	saveErr     error
	findCalls   int
	aggregation *repository.MetricsAggregation
}

func (s *stubRepository) CreateChallenge(ctx context.Context, c *repository.Challenge) error {
	s.created = append(s.created, c)
	return s.createErr
}

func (s *stubRepository) AppendFrame(ctx context.Context, challengeID string, timestamp int64, key string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, key)
	return nil
}

func (s *stubRepository) FindChallenge(ctx context.Context, challengeID string) (*repository.Challenge, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.challenge, nil
}

func (s *stubRepository) FindByIDAndUser(ctx context.Context, challengeID, userID string) (*repository.Challenge, error) {
	s.findCalls++
	if s.userLookup == nil || s.userLookup.UserID != userID {
		return nil, repository.ErrChallengeNotFound
	}
	return s.userLookup, nil
}

func (s *stubRepository) SaveResult(ctx context.Context, challengeID string, frames []repository.AnalysedFrame, result liveness.Result) error {
	s.savedFrames = frames
	s.savedResult = &result
	return s.saveErr
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggregation, nil
}

type stubFrameStore struct {
	keys []string
	err  error
}

func (s *stubFrameStore) PutFrame(ctx context.Context, key string, data []byte, contentType string) error {
	s.keys = append(s.keys, key)
	return s.err
}

type stubTokens struct{}

func (stubTokens) Issue(challengeID string) (string, error) { return "token-" + challengeID, nil }

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value.(string))
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

// stubDetector serves canned detections by frame key. Earlier frames answer
// later so results complete out of order.
type stubDetector struct {
	detections map[string][]liveness.FaceDetection
	failKey    string
	inFlight   int32
	maxFlight  int32
	delay      func(key string) time.Duration
}

func (s *stubDetector) Detect(ctx context.Context, key string) ([]liveness.FaceDetection, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.maxFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&s.maxFlight, peak, n) {
			break
		}
	}
	if s.delay != nil {
		time.Sleep(s.delay(key))
	}
	if key == s.failKey {
		return nil, errors.New("detector unavailable")
	}
	return s.detections[key], nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

type scriptedRand []int

func (s *scriptedRand) Intn(n int) int {
	v := (*s)[0]
	*s = (*s)[1:]
	return v
}

// rightChallenge is a 640x480 challenge with the nose box 60px right of center.
func rightChallenge() *repository.Challenge {
	return repository.NewChallenge("c-1", "user-1", "tok", challenge.Geometry{
		ImageWidth:         640,
		ImageHeight:        480,
		Area:               challenge.Box{Left: 185, Top: 60, Width: 270, Height: 360},
		Nose:               challenge.Box{Left: 380, Top: 240, Width: 20, Height: 20},
		MinFaceAreaPercent: 50,
	})
}

func px(x, y float64) (float64, float64) { return x / 640, y / 480 }

func faceAt(noseX, noseY, yaw float64) liveness.FaceDetection {
	landmark := func(kind string, x, y float64) liveness.Landmark {
		rx, ry := px(x, y)
		return liveness.Landmark{Type: kind, X: rx, Y: ry}
	}
	landmarks := []liveness.Landmark{
		landmark("eyeLeft", 210, 110),
		landmark("eyeRight", 430, 110),
		landmark("mouthLeft", 210, 390),
		landmark("mouthRight", 430, 390),
	}
	for i := 0; i < 7; i++ {
		landmarks = append(landmarks, landmark("midpoint", 320, 250))
	}
	landmarks = append(landmarks, landmark(liveness.LandmarkNose, noseX, noseY))

	left, top := px(200, 100)
	width, height := px(240, 300)
	return liveness.FaceDetection{
		BoundingBox: liveness.BoundingBox{Left: left, Top: top, Width: width, Height: height},
		Landmarks:   landmarks,
		Pose:        liveness.Pose{Yaw: yaw},
	}
}

// scenario returns stored frames in shuffled order and the detector output
// for a challenge completed with finalYaw. Timestamps cross a digit boundary
// so that sorting by key text would misorder them.
func scenario(finalYaw float64) ([]repository.ChallengeFrame, map[string][]liveness.FaceDetection) {
	type step struct {
		ts   int64
		nose [2]float64
		yaw  float64
	}
	steps := []step{
		{900, [2]float64{320, 240}, 0},
		{950, [2]float64{320, 240}, 0},
	}
	for i, x := range []float64{330, 345, 360, 390} {
		yaw := 0.0
		if x == 390 {
			yaw = finalYaw
		}
		steps = append(steps, step{int64(1000 + 100*i), [2]float64{x, 240 + (x-320)/7}, yaw})
	}

	detections := make(map[string][]liveness.FaceDetection)
	var stored []repository.ChallengeFrame
	for _, s := range steps {
		key := "c-1/" + strconv.FormatInt(s.ts, 10) + ".jpg"
		detections[key] = []liveness.FaceDetection{faceAt(s.nose[0], s.nose[1], s.yaw)}
		stored = append(stored, repository.ChallengeFrame{ChallengeID: "c-1", Timestamp: s.ts, Key: key})
	}
	// Reverse to make sure the use case does not rely on storage order.
	for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
		stored[i], stored[j] = stored[j], stored[i]
	}
	return stored, detections
}

func newTestUseCase(repo *stubRepository, frames *stubFrameStore, det *stubDetector, cache *stubCache, opts ...Option) *ChallengeUseCase {
	uc := NewChallengeUseCase(repo, frames, det, stubTokens{}, cache, zap.NewNop(), opts...)
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func TestStartChallengePersistsGeometryAndToken(t *testing.T) {
	repo := &stubRepository{}
	rng := scriptedRand{0, 15, 0, 10}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, &stubCache{}, WithRand(&rng))

	record, err := uc.StartChallenge(context.Background(), "user-1", 640, 480)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(repo.created) != 1 || repo.created[0] != record {
		t.Fatalf("expected challenge to be persisted once, got %d", len(repo.created))
	}
	if record.Token != "token-"+record.ID {
		t.Fatalf("token not bound to challenge id: %s", record.Token)
	}
	if record.UserID != "user-1" {
		t.Fatalf("unexpected user id %s", record.UserID)
	}
	want := challenge.Geometry{
		ImageWidth:         640,
		ImageHeight:        480,
		Area:               challenge.Box{Left: 185, Top: 60, Width: 270, Height: 360},
		Nose:               challenge.Box{Left: 380, Top: 250, Width: 20, Height: 20},
		MinFaceAreaPercent: 50,
	}
	if got := record.Geometry(); got != want {
		t.Fatalf("unexpected geometry %+v", got)
	}
}

func TestStartChallengePropagatesStoreError(t *testing.T) {
	repo := &stubRepository{createErr: errors.New("db down")}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, &stubCache{})

	if _, err := uc.StartChallenge(context.Background(), "user-1", 640, 480); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPutFrameStoresUnderTimestampKey(t *testing.T) {
	repo := &stubRepository{}
	store := &stubFrameStore{}
	uc := newTestUseCase(repo, store, &stubDetector{}, &stubCache{})

	if err := uc.PutFrame(context.Background(), "c-1", 1700000000123, []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(store.keys) != 1 || store.keys[0] != "c-1/1700000000123.jpg" {
		t.Fatalf("unexpected uploaded keys %v", store.keys)
	}
	if len(repo.appended) != 1 || repo.appended[0] != store.keys[0] {
		t.Fatalf("frame record and object key differ: %v vs %v", repo.appended, store.keys)
	}
}

func TestPutFrameUnknownChallengeSkipsUpload(t *testing.T) {
	repo := &stubRepository{appendErr: logging.NewOperationError("repository.append_frame", "nope", repository.ErrChallengeNotFound)}
	store := &stubFrameStore{}
	uc := newTestUseCase(repo, store, &stubDetector{}, &stubCache{})

	err := uc.PutFrame(context.Background(), "nope", 1, []byte("jpeg"), "image/jpeg")
	if !errors.Is(err, repository.ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
	if len(store.keys) != 0 {
		t.Fatalf("expected no upload, got %v", store.keys)
	}
}

func TestVerifyChallengeSuccess(t *testing.T) {
	stored, detections := scenario(15)
	record := rightChallenge()
	record.Frames = stored
	repo := &stubRepository{challenge: record}
	cache := &stubCache{}
	det := &stubDetector{
		detections: detections,
		delay: func(key string) time.Duration {
			// Lower timestamps finish last.
			ts, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(key, "c-1/"), ".jpg"))
			return time.Duration(2000-ts) * 10 * time.Microsecond
		},
	}
	uc := newTestUseCase(repo, &stubFrameStore{}, det, cache)

	result, err := uc.VerifyChallenge(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Success || result.State != liveness.StateSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	if len(repo.savedFrames) != len(stored) {
		t.Fatalf("expected %d saved frames, got %d", len(stored), len(repo.savedFrames))
	}
	for i := 1; i < len(repo.savedFrames); i++ {
		if repo.savedFrames[i-1].Timestamp >= repo.savedFrames[i].Timestamp {
			t.Fatalf("frames not in numeric timestamp order: %d then %d", repo.savedFrames[i-1].Timestamp, repo.savedFrames[i].Timestamp)
		}
	}
	if repo.savedResult == nil || !repo.savedResult.Success {
		t.Fatalf("expected persisted success, got %+v", repo.savedResult)
	}

	if len(cache.setKeys) != 1 || cache.setKeys[0] != "challenge:c-1:result" {
		t.Fatalf("unexpected cache writes %v", cache.setKeys)
	}
	var cached ChallengeResult
	if err := json.Unmarshal([]byte(cache.setValues[0]), &cached); err != nil {
		t.Fatalf("cached value is not JSON: %v", err)
	}
	if !cached.Success || cached.UserID != "user-1" || cached.State != liveness.StateSuccess {
		t.Fatalf("unexpected cached result %+v", cached)
	}
}

func TestVerifyChallengeWrongRotationFails(t *testing.T) {
	stored, detections := scenario(-15)
	record := rightChallenge()
	record.Frames = stored
	repo := &stubRepository{challenge: record}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{detections: detections}, &stubCache{})

	result, err := uc.VerifyChallenge(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Success || result.State != liveness.StateFail {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Verification == nil || result.Verification.Reason != liveness.ReasonWrongRotation {
		t.Fatalf("expected wrong rotation report, got %+v", result.Verification)
	}
}

func TestVerifyChallengeWithoutFrames(t *testing.T) {
	repo := &stubRepository{challenge: rightChallenge()}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, &stubCache{})

	result, err := uc.VerifyChallenge(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Success || result.State != liveness.StateFace {
		t.Fatalf("expected unfinished challenge, got %+v", result)
	}
}

func TestVerifyChallengeBoundsDetectorConcurrency(t *testing.T) {
	var stored []repository.ChallengeFrame
	for i := 0; i < 40; i++ {
		stored = append(stored, repository.ChallengeFrame{Timestamp: int64(i), Key: "k" + strconv.Itoa(i)})
	}
	record := rightChallenge()
	record.Frames = stored
	det := &stubDetector{delay: func(string) time.Duration { return 2 * time.Millisecond }}
	uc := newTestUseCase(&stubRepository{challenge: record}, &stubFrameStore{}, det, &stubCache{}, WithDetectorConcurrency(3))

	if _, err := uc.VerifyChallenge(context.Background(), "c-1"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if peak := atomic.LoadInt32(&det.maxFlight); peak > 3 {
		t.Fatalf("expected at most 3 concurrent detector calls, got %d", peak)
	}
}

func TestVerifyChallengeDetectorErrorAborts(t *testing.T) {
	stored, detections := scenario(15)
	record := rightChallenge()
	record.Frames = stored
	repo := &stubRepository{challenge: record}
	det := &stubDetector{detections: detections, failKey: stored[2].Key}
	uc := newTestUseCase(repo, &stubFrameStore{}, det, &stubCache{})

	_, err := uc.VerifyChallenge(context.Background(), "c-1")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.detect_faces" {
		t.Fatalf("expected detect_faces OperationError, got %v", err)
	}
	if repo.savedResult != nil {
		t.Fatal("expected no result to be persisted")
	}
}

func TestVerifyChallengeNotFound(t *testing.T) {
	repo := &stubRepository{findErr: repository.ErrChallengeNotFound}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, &stubCache{})

	if _, err := uc.VerifyChallenge(context.Background(), "missing"); !errors.Is(err, repository.ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestVerifyChallengeRetriesRedisSet(t *testing.T) {
	stored, detections := scenario(15)
	record := rightChallenge()
	record.Frames = stored
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := newTestUseCase(&stubRepository{challenge: record}, &stubFrameStore{}, &stubDetector{detections: detections}, cache)

	if _, err := uc.VerifyChallenge(context.Background(), "c-1"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected one retry on the same key, got %v", cache.setKeys)
	}
}

func TestVerifyChallengeSurvivesCacheFailure(t *testing.T) {
	stored, detections := scenario(15)
	record := rightChallenge()
	record.Frames = stored
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(&stubRepository{challenge: record}, &stubFrameStore{}, &stubDetector{detections: detections}, cache)

	result, err := uc.VerifyChallenge(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestGetResultFromCache(t *testing.T) {
	payload, _ := json.Marshal(ChallengeResult{ChallengeID: "c-1", UserID: "user-1", Success: true, State: liveness.StateSuccess})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, cache)

	result, err := uc.GetResult(context.Background(), "user-1", "c-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Success || result.State != liveness.StateSuccess {
		t.Fatalf("unexpected result %+v", result)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected no repository lookup, got %d", repo.findCalls)
	}
}

func TestGetResultCachedForOtherUserFallsBack(t *testing.T) {
	payload, _ := json.Marshal(ChallengeResult{ChallengeID: "c-1", UserID: "user-1", Success: true})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, cache)

	if _, err := uc.GetResult(context.Background(), "intruder", "c-1"); !errors.Is(err, repository.ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository lookup, got %d", repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	success := false
	record := rightChallenge()
	record.Success = &success
	record.FinalState = liveness.StateFail
	repo := &stubRepository{userLookup: record}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, cache)

	result, err := uc.GetResult(context.Background(), "user-1", "c-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Success || result.State != liveness.StateFail {
		t.Fatalf("unexpected result %+v", result)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultNotVerified(t *testing.T) {
	repo := &stubRepository{userLookup: rightChallenge()}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, &stubCache{getErrs: []error{redis.Nil}})

	if _, err := uc.GetResult(context.Background(), "user-1", "c-1"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{TotalCount: 10, VerifiedCount: 8, SuccessCount: 6, FrameCount: 250}}
	uc := newTestUseCase(repo, &stubFrameStore{}, &stubDetector{}, &stubCache{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.SuccessRate != 0.75 {
		t.Fatalf("unexpected success rate %f", summary.SuccessRate)
	}
	if summary.AverageFramesPerChallenge != 25 {
		t.Fatalf("unexpected average frames %f", summary.AverageFramesPerChallenge)
	}
}
