package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imaging"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/refstore"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/verifier"
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	repo           VerificationRepository
	cache          Cache
	verifier       verifier.Client
	referenceDir   string
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedVerification struct {
	RequestID    string    `json:"request_id"`
	Subject      string    `json:"subject,omitempty"`
	Filename     string    `json:"filename"`
	Match        bool      `json:"match"`
	Confidence   float64   `json:"confidence"`
	MatchedImage string    `json:"matched_image"`
	Candidates   int       `json:"candidates"`
	Hash         string    `json:"sha1_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// DuplicateReport represents verification entries that uploaded the same image.
type DuplicateReport struct {
	Request    *repository.VerificationLog
	Duplicates []*repository.VerificationLog
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, client verifier.Client, referenceDir string, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		repo:           repo,
		cache:          cache,
		verifier:       client,
		referenceDir:   referenceDir,
		logger:         logger.Named("verification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// VerifyUpload runs the verification flow for one uploaded image: it stages
// a normalized copy on disk, compares it against every reference image,
// persists the outcome, and caches it for retrieval. The staged copy is
// removed before returning, whatever the outcome. The returned request ID
// identifies the attempt even when the flow fails partway.
func (uc *VerificationUseCase) VerifyUpload(ctx context.Context, subject, filename string, data []byte) (string, *verifier.Result, error) {
	requestID := uuid.NewString()
	started := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_upload", requestID)

	tempPath, err := imaging.Stage(data)
	if err != nil {
		var decodeErr *imaging.DecodeError
		if errors.As(err, &decodeErr) {
			return requestID, nil, &InvalidInputError{Reason: "Image decoding failed", Err: err}
		}
		wrapped := logging.NewOperationError("usecase.stage_upload", requestID, err)
		opLogger.Error("failed to stage upload", zap.Error(wrapped))
		return requestID, nil, wrapped
	}
	defer func() {
		if err := os.Remove(tempPath); err != nil {
			opLogger.Warn("failed to remove staged upload", zap.String("path", tempPath), zap.Error(err))
		}
	}()

	cacheKey := fmt.Sprintf("verification:%s", requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return requestID, nil, err
	}

	references, err := refstore.List(uc.referenceDir)
	if err != nil {
		if errors.Is(err, refstore.ErrDirectoryNotFound) {
			return requestID, nil, &ConfigurationError{
				Reason: fmt.Sprintf("Database directory %s does not exist", uc.referenceDir),
				Err:    err,
			}
		}
		wrapped := logging.NewOperationError("usecase.list_references", requestID, err)
		opLogger.Error("failed to list reference images", zap.Error(wrapped))
		return requestID, nil, wrapped
	}

	outcomes := verifier.CompareAll(ctx, uc.verifier, tempPath, references, opLogger)
	result := verifier.ReduceBestMatch(outcomes)

	hash := sha1.Sum(data)
	hashHex := hex.EncodeToString(hash[:])
	log := &repository.VerificationLog{
		RequestID:    requestID,
		Subject:      subject,
		Filename:     filename,
		Matched:      result.Match,
		Confidence:   result.Confidence,
		MatchedImage: result.MatchedImage,
		Candidates:   len(references),
		DurationMs:   time.Since(started).Milliseconds(),
		SHA1Hash:     hashHex,
		CreatedAt:    time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist verification log", zap.Error(wrapped))
		return requestID, nil, wrapped
	}

	cached := cachedVerification{
		RequestID:    requestID,
		Subject:      subject,
		Filename:     filename,
		Match:        result.Match,
		Confidence:   result.Confidence,
		MatchedImage: result.MatchedImage,
		Candidates:   log.Candidates,
		Hash:         log.SHA1Hash,
		CreatedAt:    log.CreatedAt,
	}

	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return requestID, nil, err
	}

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Error("failed to cache verification result", zap.Error(err))
		return requestID, nil, err
	}

	opLogger.Info("verification completed",
		zap.Bool("match", result.Match),
		zap.Float64("confidence", result.Confidence),
		zap.String("matched_image", result.MatchedImage),
		zap.Int("candidates", log.Candidates),
		zap.Int64("duration_ms", log.DurationMs))

	return requestID, result, nil
}

// GetResult retrieves a cached verification outcome or loads from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	cacheKey := fmt.Sprintf("verification:%s", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			log := &repository.VerificationLog{
				RequestID:    requestID,
				Subject:      payload.Subject,
				Filename:     payload.Filename,
				Matched:      payload.Match,
				Confidence:   payload.Confidence,
				MatchedImage: payload.MatchedImage,
				Candidates:   payload.Candidates,
				SHA1Hash:     payload.Hash,
				CreatedAt:    payload.CreatedAt,
			}
			if payload.RequestID != "" {
				log.RequestID = payload.RequestID
			}
			return log, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return log, nil
}

// GetDuplicateReport builds a duplicate detection report for a verification request.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
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

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
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

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
