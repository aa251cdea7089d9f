package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cvingest/internal/domain"
)

// ErrPushFailed — очередь не приняла задачу. Запись в outbox остается в
// pending, повторную отправку делает внешний свипер, не этот продюсер.
var ErrPushFailed = errors.New("queue push failed")

// Client — продюсер внешней очереди разбора документов
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
}

func NewClient(conf *Config) (*Client, error) {
	if conf == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if conf.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(conf.TimeoutS) * time.Second,
		},
		endpoint: conf.Endpoint,
		token:    conf.Token,
	}, nil
}

type enqueueResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Enqueue отправляет задачу в очередь. Успех — только 2xx вместе с
// success=true в теле; всё остальное считается неудачной отправкой.
func (c *Client) Enqueue(ctx context.Context, job domain.QueueJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: unexpected status %d", ErrPushFailed, resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrPushFailed, err)
	}

	var ack enqueueResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return fmt.Errorf("%w: invalid response body: %v", ErrPushFailed, err)
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrPushFailed, ack.Message)
	}

	return nil
}
