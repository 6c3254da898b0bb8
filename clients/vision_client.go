package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/occultashield/shield-api/log"
	"github.com/occultashield/shield-api/metrics"
	"github.com/patrickmn/go-cache"
)

const (
	visionTimeout = 90 * time.Second

	// Mock responses never claim more confidence than this.
	mockConfidence = 0.7
)

// WitnessDescription is the structured objective description the vision
// backend produces for a person capture. It carries no legal judgment.
type WitnessDescription struct {
	VisualSummary     string            `json:"visual_summary"`
	Tags              []string          `json:"tags"`
	Environment       string            `json:"environment"`
	ClothingLevel     string            `json:"clothing_level"`
	VisibleBiometrics VisibleBiometrics `json:"visible_biometrics"`
	ContextIndicators []string          `json:"context_indicators"`
	AgeGroup          string            `json:"age_group"`
	Confidence        float64           `json:"confidence"`
	Mock              bool              `json:"mock,omitempty"`
}

type VisibleBiometrics struct {
	FaceVisible      bool     `json:"face_visible"`
	TattoosVisible   bool     `json:"tattoos_visible"`
	ScarsVisible     bool     `json:"scars_visible"`
	DistinctiveMarks []string `json:"distinctive_marks"`
}

// VisionClient calls an OpenAI-compatible multimodal chat endpoint. All
// methods fall back to a mock response when the backend is unreachable so
// the pipeline never blocks on it.
type VisionClient struct {
	baseURL    string
	model      string
	httpClient *http.Client

	// classification results keyed by image path; a re-run of the same
	// video asks about the same files.
	classifications *cache.Cache
}

func NewVisionClient(baseURL, model string) *VisionClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.CheckRetry = metrics.HttpRetryHook
	client.HTTPClient = &http.Client{Timeout: visionTimeout}
	client.Logger = nil

	return &VisionClient{
		baseURL:         baseURL,
		model:           model,
		httpClient:      client.StandardClient(),
		classifications: cache.New(1*time.Hour, 10*time.Minute),
	}
}

const witnessPrompt = `You are an objective witness describing an image for a compliance review.
Describe only what is visible. Do not make legal judgments.
Respond with a single JSON object with exactly these fields:
visual_summary (string), tags (string array), environment (string),
clothing_level (one of: formal, casual, athletic, swimwear, medical, minimal, uniform, religious),
visible_biometrics (object: face_visible bool, tattoos_visible bool, scars_visible bool, distinctive_marks string array),
context_indicators (string array), age_group (one of: child, teenager, adult, elderly, unknown),
confidence (number between 0 and 1).`

const classifyPrompt = `Classify the main subject of this image as exactly one of:
face, person, license_plate, fingerprint, id_document, credit_card, signature, hand_biometric, unknown.
Respond with a single JSON object: {"type": "<label>", "confidence": <0..1>}.`

// DescribePerson runs witness mode over one capture image.
func (c *VisionClient) DescribePerson(ctx context.Context, videoID, imagePath string) WitnessDescription {
	content, err := c.complete(ctx, witnessPrompt, imagePath)
	if err != nil {
		log.Log(videoID, "vision backend unavailable, using mock description", "err", err, "image", imagePath)
		return mockDescription()
	}

	var desc WitnessDescription
	if err := unmarshalLoose(content, &desc); err != nil {
		log.Log(videoID, "unparseable witness response, using mock description", "err", err, "image", imagePath)
		return mockDescription()
	}
	if desc.Confidence <= 0 {
		desc.Confidence = 0.5
	}
	return desc
}

type classification struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Classify re-labels an ambiguous detection from its best capture image.
// Results are cached per image path.
func (c *VisionClient) Classify(ctx context.Context, videoID, imagePath string) (string, float64) {
	if cached, found := c.classifications.Get(imagePath); found {
		cls := cached.(classification)
		return cls.Type, cls.Confidence
	}

	content, err := c.complete(ctx, classifyPrompt, imagePath)
	if err != nil {
		log.Log(videoID, "vision backend unavailable, classification stays unknown", "err", err, "image", imagePath)
		return "unknown", mockConfidence
	}
	var cls classification
	if err := unmarshalLoose(content, &cls); err != nil || cls.Type == "" {
		log.Log(videoID, "unparseable classification response", "err", err, "image", imagePath)
		return "unknown", mockConfidence
	}
	c.classifications.Set(imagePath, cls, cache.DefaultExpiration)
	return cls.Type, cls.Confidence
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *VisionClient) complete(ctx context.Context, prompt, imagePath string) (string, error) {
	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("error reading capture image: %w", err)
	}
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURI}},
			},
		}},
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := metrics.MonitorRequest(metrics.Metrics.VisionClient, c.httpClient, req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("vision backend returned %d: %s", res.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("error parsing vision response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("vision backend returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// unmarshalLoose parses content as JSON, falling back to the outermost brace
// pair when the model wraps its JSON in prose or a code fence.
func unmarshalLoose(content string, v interface{}) error {
	if err := json.Unmarshal([]byte(content), v); err == nil {
		return nil
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object found in response")
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}

func mockDescription() WitnessDescription {
	return WitnessDescription{
		VisualSummary: "Person detected in frame; visual details unavailable",
		Tags:          []string{"person"},
		Environment:   "unknown",
		ClothingLevel: "casual",
		AgeGroup:      "unknown",
		Confidence:    mockConfidence,
		Mock:          true,
	}
}
