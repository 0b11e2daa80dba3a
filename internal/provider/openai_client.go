package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/config"
	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/retry"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// OpenAIBatchClient talks to the OpenAI-style batch API: upload a JSONL input
// file, open a batch against it, poll, then download the output artifact.
// All calls go through a shared rate limiter sized for the account's tier.
type OpenAIBatchClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	retry   *retry.RetryConfig
}

// NewOpenAIBatchClient creates a batch client from provider configuration.
func NewOpenAIBatchClient(cfg *config.ProviderConfig) *OpenAIBatchClient {
	return &OpenAIBatchClient{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		retry:   retry.DefaultRetryConfig(),
	}
}

// Name identifies the provider for routing stamps.
func (c *OpenAIBatchClient) Name() string {
	return c.name
}

// batchRequestLine is one JSONL line in the uploaded input file.
type batchRequestLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     chatRequestBody `json:"body"`
}

type chatRequestBody struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// batchResponseLine is one JSONL line in the downloaded output file.
type batchResponseLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rewritePayload is the JSON document the model is instructed to emit.
type rewritePayload struct {
	RewrittenText  string            `json:"rewritten_text"`
	OutputLanguage string            `json:"output_language"`
	Evaluation     map[string]string `json:"evaluation"`
}

type fileUploadResponse struct {
	ID string `json:"id"`
}

type batchObject struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	OutputFileID *string `json:"output_file_id"`
	ErrorFileID  *string `json:"error_file_id"`
}

// SubmitBatch encodes the items as a JSONL file, uploads it, and opens a
// batch against the chat completions endpoint.
func (c *OpenAIBatchClient) SubmitBatch(ctx context.Context, items []BatchItem) (*SubmitReceipt, error) {
	if len(items) == 0 {
		return nil, apperrors.NewValidationError("items", "batch must contain at least one item")
	}

	var input bytes.Buffer
	encoder := json.NewEncoder(&input)
	for _, item := range items {
		line := batchRequestLine{
			CustomID: item.JobID,
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
			Body: chatRequestBody{
				Model: item.Model,
				Messages: []chatMessage{
					{Role: "system", Content: item.SystemPrompt},
					{Role: "user", Content: item.UserPrompt},
				},
			},
		}
		if err := encoder.Encode(&line); err != nil {
			return nil, fmt.Errorf("failed to encode batch input line: %w", err)
		}
	}

	fileID, err := c.uploadFile(ctx, input.Bytes())
	if err != nil {
		return nil, err
	}

	var batch batchObject
	err = c.doJSON(ctx, http.MethodPost, "/batches", map[string]interface{}{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	}, &batch)
	if err != nil {
		return nil, err
	}

	return &SubmitReceipt{
		ProviderBatchID: batch.ID,
		InputArtifactID: fileID,
	}, nil
}

// GetBatchStatus polls one batch's state.
func (c *OpenAIBatchClient) GetBatchStatus(ctx context.Context, providerBatchID string) (*BatchStatusInfo, error) {
	var batch batchObject
	err := c.doJSON(ctx, http.MethodGet, "/batches/"+providerBatchID, nil, &batch)
	if err != nil {
		return nil, err
	}

	return &BatchStatusInfo{
		ProviderBatchID:  batch.ID,
		Status:           mapBatchStatus(batch.Status),
		OutputArtifactID: batch.OutputFileID,
		ErrorArtifactID:  batch.ErrorFileID,
	}, nil
}

// FetchResults downloads the output artifact and parses its JSONL lines.
// Lines that fail per-item carry the provider's error; lines whose content is
// not the expected JSON document are reported as malformed rather than
// failing the whole fetch.
func (c *OpenAIBatchClient) FetchResults(ctx context.Context, outputArtifactID string) ([]BatchResult, error) {
	body, err := c.download(ctx, "/files/"+outputArtifactID+"/content")
	if err != nil {
		return nil, err
	}

	var results []BatchResult
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line batchResponseLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("failed to parse batch output line: %w", err)
		}

		result := BatchResult{JobID: line.CustomID}

		switch {
		case line.Error != nil:
			result.Error = fmt.Sprintf("%s: %s", line.Error.Code, line.Error.Message)
		case line.Response == nil || line.Response.StatusCode != http.StatusOK:
			result.Error = "provider returned a non-success item response"
		case len(line.Response.Body.Choices) == 0:
			result.Error = "provider returned no choices"
		default:
			var payload rewritePayload
			content := line.Response.Body.Choices[0].Message.Content
			if err := json.Unmarshal([]byte(content), &payload); err != nil {
				result.Error = "provider returned malformed rewrite payload"
			} else {
				result.RewrittenText = payload.RewrittenText
				result.OutputLanguage = payload.OutputLanguage
				result.Evaluation = payload.Evaluation
			}
		}

		results = append(results, result)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch output: %w", err)
	}

	return results, nil
}

// mapBatchStatus folds the provider's fine-grained states onto the registry's
// lifecycle.
func mapBatchStatus(status string) types.BatchStatus {
	switch status {
	case "validating":
		return types.BatchSubmitted
	case "in_progress", "finalizing":
		return types.BatchRunning
	case "completed":
		return types.BatchCompleted
	case "failed":
		return types.BatchFailed
	case "expired":
		return types.BatchExpired
	case "cancelling", "cancelled":
		return types.BatchCanceled
	default:
		return types.BatchRunning
	}
}

func (c *OpenAIBatchClient) uploadFile(ctx context.Context, content []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := writer.CreateFormFile("file", "batch_input.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	var uploaded fileUploadResponse
	err = c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", bytes.NewReader(body.Bytes()))
		if err != nil {
			return fmt.Errorf("failed to create upload request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		return c.send(req, &uploaded)
	})
	if err != nil {
		return "", err
	}

	return uploaded.ID, nil
}

func (c *OpenAIBatchClient) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request payload: %w", err)
		}
	}

	return c.withRetry(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create provider request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		return c.send(req, out)
	})
}

func (c *OpenAIBatchClient) download(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := c.withRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to create download request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return apperrors.NewProviderError("download", err)
		}
		defer resp.Body.Close() // nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			return providerHTTPError(resp)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.NewProviderError("download", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *OpenAIBatchClient) send(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewProviderError(req.URL.Path, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerHTTPError(resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewProviderError(req.URL.Path, fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}

// withRetry retries transient provider failures. 4xx responses other than 429
// are permanent and returned immediately.
func (c *OpenAIBatchClient) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	result := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		err := fn(ctx)
		if err != nil && !retryableProviderError(err) {
			lastErr = err
			return nil // stop retrying, surface below
		}
		lastErr = err
		return err
	})
	if !result.Success {
		return result.LastError
	}
	return lastErr
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.status, e.body)
}

func providerHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) // nolint:errcheck
	return apperrors.NewProviderError(resp.Request.URL.Path, &httpStatusError{
		status: resp.StatusCode,
		body:   strings.TrimSpace(string(body)),
	})
}

func retryableProviderError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= 500
	}
	// Network-level failures are worth retrying.
	return true
}
