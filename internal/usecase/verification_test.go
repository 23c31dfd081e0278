package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/verifier"
)

type stubRepository struct {
	savedLogs   []*repository.VerificationLog
	saveErr     error
	findLog     *repository.VerificationLog
	findErr     error
	findCalls   int
	duplicates  []*repository.VerificationLog
	aggregation *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.VerificationLog, error) {
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation != nil {
		return s.aggregation, nil
	}
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
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

type stubVerifier struct {
	outcomes map[string]*verifier.Outcome
	errs     map[string]error
	calls    []string
}

func (s *stubVerifier) Verify(ctx context.Context, queryPath, candidatePath, model string) (*verifier.Outcome, error) {
	name := filepath.Base(candidatePath)
	s.calls = append(s.calls, name)
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	if outcome, ok := s.outcomes[name]; ok {
		return outcome, nil
	}
	return &verifier.Outcome{}, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(orig); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
	return dir
}

func encodeTestPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newRefDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("ref"), 0o644); err != nil {
			t.Fatalf("write reference image %s: %v", name, err)
		}
	}
	return dir
}

func TestVerifyUploadPicksBestMatch(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png", "bob.jpg", "carol.jpeg")
	stub := &stubVerifier{outcomes: map[string]*verifier.Outcome{
		"alice.png":  {Verified: true, Distance: 0.4},
		"bob.jpg":    {Verified: true, Distance: 0.1},
		"carol.jpeg": {Verified: true, Distance: 0.3},
	}}
	repo := &stubRepository{}
	uc := NewVerificationUseCase(repo, &stubCache{}, stub, refDir, zap.NewNop())

	requestID, result, err := uc.VerifyUpload(context.Background(), "user-1", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected a request id")
	}
	if !result.Match || result.MatchedImage != "bob.jpg" || result.Confidence != 90 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(stub.calls) != 3 {
		t.Fatalf("expected every candidate compared, got %v", stub.calls)
	}
	if stub.calls[0] != "alice.png" || stub.calls[1] != "bob.jpg" || stub.calls[2] != "carol.jpeg" {
		t.Fatalf("expected candidates compared in directory order, got %v", stub.calls)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected one saved log, got %d", len(repo.savedLogs))
	}
	saved := repo.savedLogs[0]
	if saved.RequestID != requestID || !saved.Matched || saved.MatchedImage != "bob.jpg" || saved.Candidates != 3 {
		t.Fatalf("unexpected saved log: %+v", saved)
	}
	if saved.Subject != "user-1" || saved.Filename != "me.png" {
		t.Fatalf("unexpected log attribution: %+v", saved)
	}
	if saved.SHA1Hash == "" {
		t.Fatal("expected content hash on saved log")
	}
}

func TestVerifyUploadNoMatchWithEmptyDirectory(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t)
	repo := &stubRepository{}
	uc := NewVerificationUseCase(repo, &stubCache{}, &stubVerifier{}, refDir, zap.NewNop())

	_, result, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.Match || result.Confidence != 0 || result.MatchedImage != "" {
		t.Fatalf("expected no match, got %+v", result)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Candidates != 0 {
		t.Fatalf("expected saved log with zero candidates, got %+v", repo.savedLogs)
	}
}

func TestVerifyUploadKeepsEarlierCandidateOnTie(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png", "bob.jpg")
	stub := &stubVerifier{outcomes: map[string]*verifier.Outcome{
		"alice.png": {Verified: true, Distance: 0.3},
		"bob.jpg":   {Verified: true, Distance: 0.3},
	}}
	uc := NewVerificationUseCase(&stubRepository{}, &stubCache{}, stub, refDir, zap.NewNop())

	_, result, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.MatchedImage != "alice.png" || result.Confidence != 70 {
		t.Fatalf("expected first candidate to win the tie, got %+v", result)
	}
}

func TestVerifyUploadAbsorbsCandidateFailure(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png", "bob.jpg")
	stub := &stubVerifier{
		outcomes: map[string]*verifier.Outcome{"bob.jpg": {Verified: true, Distance: 0.5}},
		errs:     map[string]error{"alice.png": errors.New("model crashed")},
	}
	uc := NewVerificationUseCase(&stubRepository{}, &stubCache{}, stub, refDir, zap.NewNop())

	_, result, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected candidate failure to be absorbed, got error: %v", err)
	}
	if !result.Match || result.MatchedImage != "bob.jpg" || result.Confidence != 50 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected both candidates compared, got %v", stub.calls)
	}
}

func TestVerifyUploadIsRepeatable(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png", "bob.jpg")
	stub := &stubVerifier{outcomes: map[string]*verifier.Outcome{
		"alice.png": {Verified: true, Distance: 0.4},
		"bob.jpg":   {Verified: true, Distance: 0.2},
	}}
	repo := &stubRepository{}
	uc := NewVerificationUseCase(repo, &stubCache{}, stub, refDir, zap.NewNop())

	firstID, first, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	secondID, second, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if firstID == secondID {
		t.Fatal("expected distinct request ids")
	}
	if *first != *second {
		t.Fatalf("expected identical results, got %+v then %+v", first, second)
	}
	if len(repo.savedLogs) != 2 || repo.savedLogs[0].SHA1Hash != repo.savedLogs[1].SHA1Hash {
		t.Fatalf("expected two logs sharing a content hash, got %+v", repo.savedLogs)
	}

	leftovers, globErr := filepath.Glob("temp_*")
	if globErr != nil {
		t.Fatalf("glob failed: %v", globErr)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected staged files removed, found %v", leftovers)
	}
}

func TestVerifyUploadRejectsUndecodableUpload(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png")
	stub := &stubVerifier{}
	repo := &stubRepository{}
	uc := NewVerificationUseCase(repo, &stubCache{}, stub, refDir, zap.NewNop())

	requestID, _, err := uc.VerifyUpload(context.Background(), "", "payload.png", []byte("definitely not an image"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %T", err)
	}
	if invalid.Reason != "Image decoding failed" {
		t.Fatalf("unexpected reason: %s", invalid.Reason)
	}
	if requestID == "" {
		t.Fatal("expected a request id even on rejection")
	}
	if len(stub.calls) != 0 {
		t.Fatalf("expected no model calls, got %v", stub.calls)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("expected no saved logs, got %d", len(repo.savedLogs))
	}
	leftovers, globErr := filepath.Glob("temp_*")
	if globErr != nil {
		t.Fatalf("glob: %v", globErr)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected no staged files, found %v", leftovers)
	}
}

func TestVerifyUploadMissingReferenceDirectory(t *testing.T) {
	chdirTemp(t)
	missing := filepath.Join(t.TempDir(), "refs")
	uc := NewVerificationUseCase(&stubRepository{}, &stubCache{}, &stubVerifier{}, missing, zap.NewNop())

	_, _, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	want := fmt.Sprintf("Database directory %s does not exist", missing)
	if confErr.Reason != want {
		t.Fatalf("unexpected reason: %s", confErr.Reason)
	}
}

func TestVerifyUploadRemovesStagedFileOnSaveFailure(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png")
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := NewVerificationUseCase(repo, &stubCache{}, &stubVerifier{}, refDir, zap.NewNop())

	_, _, err := uc.VerifyUpload(context.Background(), "", "me.png", encodeTestPNG(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.save_log" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	leftovers, globErr := filepath.Glob("temp_*")
	if globErr != nil {
		t.Fatalf("glob: %v", globErr)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected staged file to be removed, found %v", leftovers)
	}
}

func TestVerifyUploadRetriesRedisSet(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png")
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	stub := &stubVerifier{outcomes: map[string]*verifier.Outcome{"alice.png": {Verified: true, Distance: 0.25}}}
	uc := NewVerificationUseCase(repo, cache, stub, refDir, zap.NewNop())

	_, result, err := uc.VerifyUpload(context.Background(), "user-1", "me.png", encodeTestPNG(t))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Match {
		t.Fatalf("expected match, got %+v", result)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
}

func TestVerifyUploadReturnsOperationErrorOnCacheFailure(t *testing.T) {
	chdirTemp(t)
	refDir := newRefDir(t, "alice.png")
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := NewVerificationUseCase(&stubRepository{}, cache, &stubVerifier{}, refDir, zap.NewNop())

	_, _, err := uc.VerifyUpload(context.Background(), "user-1", "me.png", encodeTestPNG(t))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestGetResultUsesCachedPayload(t *testing.T) {
	payload := `{"request_id":"req-1","subject":"user-1","filename":"me.png","match":true,"confidence":91.5,"matched_image":"alice.png","candidates":3,"sha1_hash":"deadbeef","created_at":"2026-08-01T10:00:00Z"}`
	cache := &stubCache{getValues: []string{payload}}
	repo := &stubRepository{}
	uc := NewVerificationUseCase(repo, cache, &stubVerifier{}, t.TempDir(), zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.RequestID != "req-1" || !log.Matched || log.Confidence != 91.5 || log.MatchedImage != "alice.png" {
		t.Fatalf("unexpected log: %+v", log)
	}
	if log.Subject != "user-1" || log.Candidates != 3 || log.SHA1Hash != "deadbeef" {
		t.Fatalf("unexpected log detail: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected cache to satisfy the read, repository queried %d times", repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.VerificationLog{RequestID: "req", Subject: "user", MatchedImage: "from-db.png"}
	repo := &stubRepository{findLog: expected}
	uc := NewVerificationUseCase(repo, cache, &stubVerifier{}, t.TempDir(), zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetDuplicateReportListsOtherUploads(t *testing.T) {
	request := &repository.VerificationLog{RequestID: "req-1", SHA1Hash: "deadbeef"}
	duplicates := []*repository.VerificationLog{
		{RequestID: "req-0", SHA1Hash: "deadbeef"},
	}
	repo := &stubRepository{findLog: request, duplicates: duplicates}
	uc := NewVerificationUseCase(repo, &stubCache{}, &stubVerifier{}, t.TempDir(), zap.NewNop())

	report, err := uc.GetDuplicateReport(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if report.Request != request {
		t.Fatalf("expected request log %+v, got %+v", request, report.Request)
	}
	if len(report.Duplicates) != 1 || report.Duplicates[0].RequestID != "req-0" {
		t.Fatalf("unexpected duplicates: %+v", report.Duplicates)
	}
}
