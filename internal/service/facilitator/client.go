package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nkiryanov/machinepay/internal/apperrors"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
)

const (
	CodeRetryAfter = "retry-after"
	CodeRejected   = "rejected"
	CodeUnknown    = "unknown"
)

const defaultTimeout = 5 * time.Second

type Error struct {
	Code string

	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %s, retry_after: %s, error: %v", e.Code, e.RetryAfter, e.Err)
}

// Rejections unwrap to apperrors.ErrSettlementRejected
func (e *Error) Unwrap() error {
	if e.Code == CodeRejected {
		return apperrors.ErrSettlementRejected
	}
	return e.Err
}

func newError(code string, retryAfter int, err error) *Error {
	return &Error{
		Code:       code,
		RetryAfter: time.Duration(retryAfter) * time.Second,
		Err:        err,
	}
}

// Client is a settlement adapter posting legs to an external facilitator
type Client struct {
	Addr string

	client *http.Client
	logger logger.Logger
}

var _ settlement.Adapter = (*Client)(nil)

func NewClient(addr string, l logger.Logger) *Client {
	return &Client{
		Addr:   strings.TrimRight(addr, "/"),
		client: &http.Client{Timeout: defaultTimeout},
		logger: l,
	}
}

type settleResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) Settle(ctx context.Context, leg settlement.Leg) (settlement.Receipt, error) {
	var receipt settlement.Receipt

	body, err := json.Marshal(leg)
	if err != nil {
		return receipt, newError(CodeUnknown, 0, fmt.Errorf("failed to encode leg: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Addr+"/settle", bytes.NewReader(body))
	if err != nil {
		return receipt, newError(CodeUnknown, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", leg.TransferID.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return receipt, newError(CodeUnknown, 0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close() // nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		return c.processSuccess(resp, leg)
	case http.StatusTooManyRequests:
		return receipt, c.processTooManyRequests(resp)
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		var r settleResponse
		_ = json.NewDecoder(resp.Body).Decode(&r)
		c.logger.Warn("Settlement rejected", "transfer_id", leg.TransferID, "reason", r.Reason)
		return receipt, newError(CodeRejected, 0, fmt.Errorf("leg rejected: %s", r.Reason))
	default:
		c.logger.Warn("Failed to settle leg", "status_code", resp.StatusCode, "transfer_id", leg.TransferID)
		return receipt, newError(CodeUnknown, 0, fmt.Errorf("unknown status code %d for transfer %s", resp.StatusCode, leg.TransferID))
	}
}

func (c *Client) processSuccess(resp *http.Response, leg settlement.Leg) (settlement.Receipt, error) {
	var r settleResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		c.logger.Warn("Failed to decode response", "error", err)
		return settlement.Receipt{}, newError(CodeUnknown, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	if r.Reference == "" {
		return settlement.Receipt{}, newError(CodeUnknown, 0, fmt.Errorf("empty reference for transfer %s", leg.TransferID))
	}

	c.logger.Debug("Leg settled", "transfer_id", leg.TransferID, "reference", r.Reference)
	return settlement.Receipt{Reference: r.Reference}, nil
}

func (c *Client) processTooManyRequests(resp *http.Response) error {
	retryAfter, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil {
		retryAfter = 60
	}

	c.logger.Warn("Facilitator throttled", "retry_after", retryAfter)
	return newError(CodeRetryAfter, retryAfter, fmt.Errorf("retry after %d seconds", retryAfter))
}
