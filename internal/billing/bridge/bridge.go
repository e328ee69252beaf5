// Package bridge talks to an external billing service over a small JSON REST
// contract. Status codes map onto the provider error sentinels: 404 is
// not found, other 4xx are rejections, 5xx and transport failures are
// unavailability.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/pkg/telemetry/correlation"
)

const Name = "bridge"

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// New returns a client. A nil httpClient gets a default with the configured
// timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("billing bridge url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse billing bridge url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		client:  httpClient,
	}, nil
}

func (c *Client) Name() string { return Name }

func (c *Client) CreateCustomer(ctx context.Context, tenantID, name string) (domain.Customer, error) {
	var out domain.Customer
	body := map[string]string{"tenant_id": tenantID, "name": name}
	if err := c.do(ctx, http.MethodPost, "/customers", body, "customer-"+tenantID, &out); err != nil {
		return domain.Customer{}, err
	}
	if out.Ref == "" {
		return domain.Customer{}, fmt.Errorf("%w: empty customer ref", domain.ErrProviderUnavailable)
	}
	return out, nil
}

func (c *Client) CreateSubscription(ctx context.Context, customerRef, planID string) (domain.Subscription, error) {
	var out domain.Subscription
	body := map[string]string{"customer_ref": customerRef, "plan_id": planID}
	if err := c.do(ctx, http.MethodPost, "/subscriptions", body, "subscription-"+customerRef+"-"+planID, &out); err != nil {
		return domain.Subscription{}, err
	}
	if out.Ref == "" {
		return domain.Subscription{}, fmt.Errorf("%w: empty subscription ref", domain.ErrProviderUnavailable)
	}
	return out, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionRef), nil, "", nil)
}

func (c *Client) RecordUsage(ctx context.Context, subscriptionRef, metric string, quantity int64, idempotencyKey string) error {
	body := map[string]any{"metric": metric, "quantity": quantity}
	path := "/subscriptions/" + url.PathEscape(subscriptionRef) + "/usage"
	return c.do(ctx, http.MethodPost, path, body, idempotencyKey, nil)
}

func (c *Client) GetInvoices(ctx context.Context, customerRef string) ([]domain.Invoice, error) {
	var out struct {
		Invoices []domain.Invoice `json:"invoices"`
	}
	path := "/customers/" + url.PathEscape(customerRef) + "/invoices"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	if out.Invoices == nil {
		out.Invoices = []domain.Invoice{}
	}
	return out.Invoices, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	correlation.Inject(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusErr(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}

func statusErr(resp *http.Response) error {
	var payload errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
	message := strings.TrimSpace(payload.Error.Message)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrProviderNotFound, message)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, message)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderRejected, resp.StatusCode, message)
	}
}

var _ domain.Provider = (*Client)(nil)
