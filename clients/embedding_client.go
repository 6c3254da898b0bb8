package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/occultashield/shield-api/metrics"
)

const embeddingTimeout = 30 * time.Second

// EmbeddingClient calls an OpenAI-compatible embeddings endpoint. The
// knowledge graph uses it for the similarity half of hybrid search.
type EmbeddingClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewEmbeddingClient(baseURL, model string) *EmbeddingClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = metrics.HttpRetryHook
	client.HTTPClient = &http.Client{Timeout: embeddingTimeout}
	client.Logger = nil

	return &EmbeddingClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: client.StandardClient(),
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := metrics.MonitorRequest(metrics.Metrics.VisionClient, c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("error calling embedding backend: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("embedding backend returned %d: %s", res.StatusCode, body)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("error parsing embedding response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding backend returned no vectors")
	}
	return parsed.Data[0].Embedding, nil
}
