package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to the custody bridge, the component that moves real tokens
// between user wallets and the exchange's custody account. A transfer request
// is accepted only when the bridge answers 2xx; anything else is an error and
// the caller must not credit or debit the ledger.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: 2,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type transferRequest struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) TransferIn(ctx context.Context, token, account string, amount decimal.Decimal) error {
	return c.transfer(ctx, "/v1/transfers/in", token, account, amount)
}

func (c *Client) TransferOut(ctx context.Context, token, account string, amount decimal.Decimal) error {
	return c.transfer(ctx, "/v1/transfers/out", token, account, amount)
}

func (c *Client) transfer(ctx context.Context, path, token, account string, amount decimal.Decimal) error {
	body, err := json.Marshal(transferRequest{
		Token:   token,
		Account: account,
		Amount:  amount.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal transfer request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		retriable, err := c.doTransfer(ctx, path, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}
		c.logger.Warn("custody transfer attempt failed",
			"path", path,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return fmt.Errorf("custody transfer failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// doTransfer reports whether a failure is safe to retry. 4xx answers are
// definitive rejections; network errors and 5xx answers are retried.
func (c *Client) doTransfer(ctx context.Context, path string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tr transferResponse
		if err := json.Unmarshal(respBody, &tr); err == nil && tr.TransferID != "" {
			c.logger.Debug("custody transfer accepted", "transfer_id", tr.TransferID, "status", tr.Status)
		}
		return false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var er errorResponse
		if err := json.Unmarshal(respBody, &er); err == nil && er.Message != "" {
			return false, fmt.Errorf("custody bridge rejected transfer: %s (%s)", er.Message, er.Code)
		}
		return false, fmt.Errorf("custody bridge rejected transfer: status %d", resp.StatusCode)
	default:
		return true, fmt.Errorf("custody bridge unavailable: status %d", resp.StatusCode)
	}
}
