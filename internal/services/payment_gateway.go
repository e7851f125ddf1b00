package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PayoutInstruction asks the external rail to move money out of the ledger.
// OperationID doubles as the rail's idempotency key.
type PayoutInstruction struct {
	OperationID string          `json:"operation_id"`
	UserID      int64           `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// PayoutRejectedError is a definitive refusal: the rail did not pay and will
// not pay this operation. Any other Payout error leaves the outcome unknown.
type PayoutRejectedError struct {
	StatusCode int
	Body       string
}

func (e *PayoutRejectedError) Error() string {
	if e.StatusCode == 0 {
		return "payout rejected: " + e.Body
	}
	return fmt.Sprintf("payout rejected (status %d): %s", e.StatusCode, e.Body)
}

// IsPayoutRejected reports whether err proves the payout was not made.
func IsPayoutRejected(err error) bool {
	var rejected *PayoutRejectedError
	return errors.As(err, &rejected)
}

// PaymentGateway is the external payment rail.
type PaymentGateway interface {
	Payout(ctx context.Context, instruction PayoutInstruction) error
}

// HTTPPaymentGateway posts payout instructions as JSON to a rail endpoint.
type HTTPPaymentGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPPaymentGateway(baseURL, token string) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (g *HTTPPaymentGateway) Payout(ctx context.Context, instruction PayoutInstruction) error {
	if g.baseURL == "" {
		return &PayoutRejectedError{Body: "payment gateway url not configured"}
	}

	jsonData, err := json.Marshal(instruction)
	if err != nil {
		return fmt.Errorf("json marshal error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/payouts", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("creating request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", instruction.OperationID)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if definiteRejection(resp.StatusCode) {
		return &PayoutRejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return fmt.Errorf("payout outcome unknown (status %d): %s", resp.StatusCode, string(body))
}

// definiteRejection is true for client errors the rail answers before moving
// money. Timeouts, conflicts on the idempotency key, throttling and every 5xx
// may follow a payout that went through.
func definiteRejection(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
