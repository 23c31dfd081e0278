// Package deepface is an HTTP client for the DeepFace serving API, the
// external collaborator that performs the actual face verification.
package deepface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/verifier"
)

// Client calls a DeepFace REST service. It satisfies verifier.Client. The
// underlying HTTP client sets no timeout; model inference time is
// unbounded, so deadlines travel through ctx when a caller wants one.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a client for the DeepFace service at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger.Named("deepface"),
	}
}

type verifyRequest struct {
	Img1      string `json:"img1_path"`
	Img2      string `json:"img2_path"`
	ModelName string `json:"model_name"`
}

type verifyResponse struct {
	Verified  bool    `json:"verified"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
	Model     string  `json:"model"`
	Time      float64 `json:"time"`
}

// Verify ships both images to the DeepFace /verify route as base64 data
// URIs and returns the model's outcome for the pair.
func (c *Client) Verify(ctx context.Context, queryPath, candidatePath, model string) (*verifier.Outcome, error) {
	img1, err := encodeImageFile(queryPath)
	if err != nil {
		return nil, logging.NewOperationError("deepface.read_query", "", err)
	}
	img2, err := encodeImageFile(candidatePath)
	if err != nil {
		return nil, logging.NewOperationError("deepface.read_candidate", "", err)
	}

	payload, err := json.Marshal(verifyRequest{Img1: img1, Img2: img2, ModelName: model})
	if err != nil {
		return nil, logging.NewOperationError("deepface.encode_request", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("deepface.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("deepface.verify", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("deepface returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, logging.NewOperationError("deepface.verify", "", statusErr)
	}

	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, logging.NewOperationError("deepface.decode_response", "", err)
	}

	c.logger.Debug("verify call completed",
		zap.String("candidate", filepath.Base(candidatePath)),
		zap.Bool("verified", decoded.Verified),
		zap.Float64("distance", decoded.Distance))

	return &verifier.Outcome{Verified: decoded.Verified, Distance: decoded.Distance}, nil
}

// Ping probes the service root, for startup reachability logging only.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("deepface returned status %d", resp.StatusCode)
	}
	return nil
}

// encodeImageFile reads the file and wraps it in a data URI, which is how
// the DeepFace API accepts images that live outside its own filesystem.
func encodeImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	mimeType := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
