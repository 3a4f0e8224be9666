package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Blockeeer/ai-hair-simulation/internal/config"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
)

var (
	// ErrTaskRejected means KIE refused the input (bad image, content policy) or the task failed.
	ErrTaskRejected = errors.New("kie: task rejected")
	// ErrUnavailable covers transport failures, 5xx answers and unreadable responses.
	ErrUnavailable = errors.New("kie: service unavailable")
)

type Client struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	log          *slog.Logger
	pollInterval time.Duration
	maxAttempts  int
}

type Option func(*Client)

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func NewClient(cfg config.Config, log *slog.Logger, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	model := cfg.KIEModel
	if model == "" {
		model = "google/nano-banana-edit"
	}

	c := &Client{
		apiKey:  cfg.KIEAPIKey,
		baseURL: strings.TrimRight(cfg.KIEBaseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:          log,
		pollInterval: 2 * time.Second,
		maxAttempts:  90,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildPrompt turns style parameters into the edit instruction sent with the photo.
func BuildPrompt(p models.StyleParams) string {
	p = p.Normalized()
	var b strings.Builder
	b.WriteString("Change only the hairstyle of the person in this photo")
	if p.Gender != "" {
		fmt.Fprintf(&b, " (%s)", p.Gender)
	}
	b.WriteString(" to a ")
	if p.Color != "" {
		b.WriteString(p.Color + " ")
	}
	if p.Style != "" {
		b.WriteString(p.Style)
	} else {
		b.WriteString("new")
	}
	b.WriteString(" hairstyle. Keep the face, expression, skin tone, clothing, lighting and background unchanged. Photorealistic.")
	return b.String()
}

// EditHairstyle runs an image edit on the photo at sourceURL and returns the result image URL.
func (c *Client) EditHairstyle(ctx context.Context, sourceURL string, params models.StyleParams) (string, error) {
	model := params.Normalized().Model
	if model == "" {
		model = c.model
	}
	payload := map[string]any{
		"model": model,
		"input": map[string]any{
			"prompt":        BuildPrompt(params),
			"image_urls":    []string{sourceURL},
			"output_format": "png",
		},
	}

	taskID, err := c.createTask(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return c.pollTaskStatus(ctx, taskID)
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

// do sends req and classifies the failure. 4xx answers other than 429 are rejections.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("kie request failed", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		}
		kind := ErrUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = ErrTaskRejected
		}
		return nil, fmt.Errorf("%w: status=%d body=%s", kind, resp.StatusCode, truncateBody(rawBody))
	}
	return rawBody, nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rawBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("%w: decode create task response: %v", ErrUnavailable, err)
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("%w: code=%d msg=%s", classifyCode(createResp.Code), createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("%w: empty taskId in response", ErrUnavailable)
	}

	if c.log != nil {
		c.log.Info("kie task created", "task_id", createResp.Data.TaskID, "model", payload["model"])
	}
	return createResp.Data.TaskID, nil
}

func (c *Client) pollTaskStatus(ctx context.Context, taskID string) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		rawBody, err := c.do(req)
		if err != nil {
			return "", err
		}

		var statusResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				State      string `json:"state"`
				ResultJSON string `json:"resultJson"`
				FailCode   string `json:"failCode"`
				FailMsg    string `json:"failMsg"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rawBody, &statusResp); err != nil {
			return "", fmt.Errorf("%w: decode status response: %v", ErrUnavailable, err)
		}
		if statusResp.Code != 200 {
			return "", fmt.Errorf("%w: code=%d msg=%s", classifyCode(statusResp.Code), statusResp.Code, statusResp.Msg)
		}

		switch statusResp.Data.State {
		case "success":
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
				return "", fmt.Errorf("%w: parse resultJson: %v", ErrUnavailable, err)
			}
			if len(result.ResultURLs) == 0 {
				return "", fmt.Errorf("%w: no resultUrls in result", ErrUnavailable)
			}
			if c.log != nil {
				c.log.Info("kie task completed", "task_id", taskID, "attempt", attempt+1)
			}
			return result.ResultURLs[0], nil

		case "fail":
			failMsg := statusResp.Data.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			if c.log != nil {
				c.log.Warn("kie task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", failMsg)
			}
			return "", fmt.Errorf("%w: %s (code: %s)", ErrTaskRejected, failMsg, statusResp.Data.FailCode)

		case "waiting", "generating", "processing", "queued", "queueing":
			if c.log != nil && attempt%10 == 0 {
				c.log.Debug("kie task waiting", "task_id", taskID, "attempt", attempt+1)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}

		default:
			return "", fmt.Errorf("%w: unknown task state %q", ErrUnavailable, statusResp.Data.State)
		}
	}

	return "", fmt.Errorf("%w: task %s still running after %d polls", context.DeadlineExceeded, taskID, c.maxAttempts)
}

// classifyCode maps the API's in-body status code to an error kind.
func classifyCode(code int) error {
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return ErrTaskRejected
	}
	return ErrUnavailable
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
