package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

// ErrGateway marks transport failures and malformed gateway responses.
var ErrGateway = errors.New("payment gateway unavailable")

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode  int
	Code        string `json:"code"`
	Description string `json:"description"`
	Body        string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("yookassa api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("yookassa api error: status=%d body=%s", e.StatusCode, e.Body)
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type PaymentRequest struct {
	Amount       models.Amount     `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Payment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       models.Amount     `json:"amount"`
	Confirmation Confirmation      `json:"confirmation"`
	Metadata     map[string]string `json:"metadata"`
}

type Client struct {
	ShopID    string
	SecretKey string
	BaseURL   string

	HTTPClient *http.Client
}

func NewClient(cfg config.YooKassaConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		ShopID:    cfg.ShopID,
		SecretKey: cfg.SecretKey,
		BaseURL:   baseURL,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreatePayment registers a payment intent. The gateway deduplicates on
// idempotenceKey; an empty key gets a fresh uuid.
func (c *Client) CreatePayment(ctx context.Context, in PaymentRequest, idempotenceKey string) (*Payment, error) {
	if strings.TrimSpace(c.ShopID) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return nil, errors.New("YOOKASSA_SHOP_ID/YOOKASSA_SECRET_KEY are not configured")
	}
	if idempotenceKey == "" {
		idempotenceKey = uuid.NewString()
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotence-Key", idempotenceKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}

	var out Payment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode payment: %v", ErrGateway, err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("%w: payment response missing id", ErrGateway)
	}
	return &out, nil
}
