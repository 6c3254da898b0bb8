package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/occultashield/shield-api/detection"
	"github.com/occultashield/shield-api/metrics"
	"github.com/occultashield/shield-api/video"
)

const inferenceTimeout = 2 * time.Minute

// InferenceClient talks to the inference sidecar that owns the GPU and the
// detection models. One POST per (model, batch); frames travel as JPEG.
type InferenceClient struct {
	baseURL     string
	httpClient  *http.Client
	jpegQuality int
}

func NewInferenceClient(baseURL string) *InferenceClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = metrics.HttpRetryHook
	client.HTTPClient = &http.Client{Timeout: inferenceTimeout}
	client.Logger = nil

	return &InferenceClient{
		baseURL:     baseURL,
		httpClient:  client.StandardClient(),
		jpegQuality: 90,
	}
}

type inferenceFrame struct {
	FrameNum  int    `json:"frame_num"`
	ImageJPEG string `json:"image_jpeg"`
}

type detectRequest struct {
	Model  string           `json:"model"`
	Frames []inferenceFrame `json:"frames"`
}

type detectResponse struct {
	Results [][]detection.RawDetection `json:"results"`
}

type healthResponse struct {
	Status              string  `json:"status"`
	AcceleratorMemoryGB float64 `json:"accelerator_memory_gb"`
}

// Detect runs one model over the batch. Results are index-aligned with the
// input frames.
func (c *InferenceClient) Detect(ctx context.Context, model string, frames []*video.Frame) ([][]detection.RawDetection, error) {
	reqBody := detectRequest{Model: model, Frames: make([]inferenceFrame, 0, len(frames))}
	for _, f := range frames {
		encoded, err := c.encodeFrame(f)
		if err != nil {
			return nil, fmt.Errorf("error encoding frame %d for inference: %w", f.Num, err)
		}
		reqBody.Frames = append(reqBody.Frames, inferenceFrame{FrameNum: f.Num, ImageJPEG: encoded})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := metrics.MonitorRequest(metrics.Metrics.InferenceClient, c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("error calling inference backend for model %s: %w", model, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("inference backend returned %d for model %s: %s", res.StatusCode, model, body)
	}

	var parsed detectResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("error parsing inference response for model %s: %w", model, err)
	}
	if len(parsed.Results) != len(frames) {
		return nil, fmt.Errorf("inference backend returned %d results for %d frames", len(parsed.Results), len(frames))
	}
	return parsed.Results, nil
}

// AcceleratorMemoryGB probes the sidecar for available GPU memory. Zero
// means CPU-only.
func (c *InferenceClient) AcceleratorMemoryGB(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return 0, err
	}
	res, err := metrics.MonitorRequest(metrics.Metrics.InferenceClient, c.httpClient, req)
	if err != nil {
		return 0, fmt.Errorf("error probing inference backend: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return 0, fmt.Errorf("inference backend health check returned %d", res.StatusCode)
	}
	var parsed healthResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("error parsing inference health response: %w", err)
	}
	return parsed.AcceleratorMemoryGB, nil
}

func (c *InferenceClient) encodeFrame(f *video.Frame) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToRGBA(f.Bounds()), &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
