/**
 * @description
 * This package provides a client for the payout gateway's disbursement API.
 * It builds authenticated payout requests, passes the batch idempotency key, and
 * parses success and error responses.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging of non-2xx responses.
 * - github.com/shopspring/decimal: payout amounts.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IdempotencyHeader carries the batch reference so the gateway deduplicates retries.
const IdempotencyHeader = "Idempotency-key"

// Client is a client for the payout gateway API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new payout gateway client. Calls are bounded by timeout.
func NewClient(baseURL, secretKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("payout_client"),
	}
}

// ChannelProperties identifies the destination account on the payout channel.
type ChannelProperties struct {
	AccountHolderName string `json:"account_holder_name"`
	AccountNumber     string `json:"account_number"`
}

// CreatePayoutRequest represents the payload for a single disbursement.
type CreatePayoutRequest struct {
	ReferenceID       string            `json:"reference_id"`
	ChannelCode       string            `json:"channel_code"`
	ChannelProperties ChannelProperties `json:"channel_properties"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// MarshalJSON sends the amount as a JSON number rounded to centavos.
func (r CreatePayoutRequest) MarshalJSON() ([]byte, error) {
	type alias CreatePayoutRequest
	return json.Marshal(struct {
		alias
		Amount json.Number `json:"amount"`
	}{
		alias:  alias(r),
		Amount: json.Number(r.Amount.StringFixed(2)),
	})
}

// Payout is the gateway's view of an accepted disbursement.
type Payout struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	ChannelCode string `json:"channel_code"`
	Currency    string `json:"currency"`
}

// ErrorResponse represents an error from the payout gateway. Body keeps the raw
// response so operators can see exactly what the gateway said.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Body       string `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorCode != "" || e.Message != "" {
		return fmt.Sprintf("payout api error (status %d): %s - %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("payout api error (status %d)", e.StatusCode)
}

// CreatePayout submits one payout. The gateway treats a repeated idempotencyKey as the
// same request and returns the original payout.
func (c *Client) CreatePayout(ctx context.Context, payload CreatePayoutRequest, idempotencyKey string) (*Payout, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, idempotencyKey)
	req.SetBasicAuth(c.SecretKey, "")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.logger.Warn("non-2xx response with unparsable body",
				zap.String("op", "create_payout"),
				zap.Int("status", resp.StatusCode),
				zap.String("reference_id", payload.ReferenceID),
			)
			return nil, errResp
		}
		c.logger.Warn("payout rejected",
			zap.String("op", "create_payout"),
			zap.Int("status", resp.StatusCode),
			zap.String("reference_id", payload.ReferenceID),
			zap.String("error_code", errResp.ErrorCode),
			zap.String("message", errResp.Message),
		)
		return nil, errResp
	}

	var payout Payout
	if err := json.Unmarshal(bodyBytes, &payout); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	return &payout, nil
}
