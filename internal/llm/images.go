package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/google/uuid"
)

const OpenAIImagesName = "openai-images"

// OpenAIImageConfig configures the image generation client. BaseURL accepts
// any OpenAI-compatible images endpoint, including localhost proxies.
type OpenAIImageConfig struct {
	APIKey            string
	BaseURL           string
	Model             string // default "gpt-image-1"
	Size              string // default "1024x1024"
	Timeout           time.Duration
	RequestsPerSecond float64      // default DefaultImageRPS
	HTTPClient        *http.Client // optional (tests)
}

// OpenAIImageClient implements ImageClient using the official OpenAI SDK.
// SDK-level retries are disabled; the retry executor owns that policy.
type OpenAIImageClient struct {
	model   string
	size    string
	client  openai.Client
	limiter *RateLimiter
}

// NewOpenAIImageClient creates a new image client.
func NewOpenAIImageClient(cfg OpenAIImageConfig) *OpenAIImageClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-image-1"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultImageRPS
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIImageClient{
		model:   cfg.Model,
		size:    cfg.Size,
		client:  openai.NewClient(opts...),
		limiter: NewRateLimiter(cfg.RequestsPerSecond),
	}
}

func (c *OpenAIImageClient) Name() string { return OpenAIImagesName }

// Generate renders one image and returns its decoded bytes.
func (c *OpenAIImageClient) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	size := req.Size
	if size == "" {
		size = c.size
	}

	resp, err := c.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(model),
		Size:   openai.ImageGenerateParamsSize(size),
		N:      openai.Int(1),
	})
	if err != nil {
		cerr := classifySDKError(err)
		var rl *RateLimitError
		if errors.As(cerr, &rl) {
			c.limiter.Record429()
		}
		return nil, cerr
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no image data in response")
	}
	if resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("image response missing b64_json payload")
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}

	return &ImageResult{
		Data:      raw,
		ModelUsed: model,
		Provider:  OpenAIImagesName,
		RequestID: requestID,
	}, nil
}

// classifySDKError maps SDK errors into the retry executor's taxonomy.
func classifySDKError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{Message: apiErr.Error()}
		}
		return &HTTPError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}

var _ ImageClient = (*OpenAIImageClient)(nil)
