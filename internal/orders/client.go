package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/zombor/invoice-reconciler/internal/invoice"
)

// Config describes the pending purchase order service
type Config struct {
	BaseURL  string
	APIKey   string        // sent as a bearer token when set
	Param    string        // query parameter carrying the GSTIN
	Timeout  time.Duration // per attempt
	Attempts uint
	Delay    time.Duration // between attempts
}

// DefaultConfig returns the service settings used in production
func DefaultConfig() Config {
	return Config{
		Param:    "gstin",
		Timeout:  30 * time.Second,
		Attempts: 3,
		Delay:    5 * time.Second,
	}
}

// ServiceError means pending orders could not be fetched
type ServiceError struct {
	Identifier string
	Status     int // zero when no response was received
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching pending orders for %s: status %d: %v", e.Identifier, e.Status, e.Err)
	}
	return fmt.Sprintf("fetching pending orders for %s: %v", e.Identifier, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Client fetches pending purchase orders for a supplier
type Client struct {
	cfg     Config
	baseURL *url.URL
	client  *http.Client
}

// NewClient creates a new Client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("pending order service url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing pending order service url: %w", err)
	}

	def := DefaultConfig()
	if cfg.Param == "" {
		cfg.Param = def.Param
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}

	return &Client{
		cfg:     cfg,
		baseURL: u,
		client:  &http.Client{},
	}, nil
}

// Fetch returns the pending orders for a GSTIN. Server errors and network
// failures are retried; client errors and malformed bodies are not. Every
// failure is a *ServiceError.
func (c *Client) Fetch(ctx context.Context, identifier string) ([]invoice.PendingOrder, error) {
	u := *c.baseURL
	q := u.Query()
	q.Set(c.cfg.Param, identifier)
	u.RawQuery = q.Encode()

	var orders []invoice.PendingOrder
	err := retry.Do(
		func() error {
			got, err := c.fetchOnce(ctx, u.String())
			if err != nil {
				return err
			}
			orders = got
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Pending order fetch failed, retrying", "gstin", identifier, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			svcErr.Identifier = identifier
			return nil, svcErr
		}
		return nil, &ServiceError{Identifier: identifier, Err: err}
	}

	if orders == nil {
		orders = []invoice.PendingOrder{}
	}
	slog.Info("Fetched pending orders", "gstin", identifier, "count", len(orders))
	return orders, nil
}

func (c *Client) fetchOnce(ctx context.Context, target string) ([]invoice.PendingOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling pending order service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		svcErr := &ServiceError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", string(body))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(svcErr)
		}
		return nil, svcErr
	}

	var orders []invoice.PendingOrder
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		return nil, retry.Unrecoverable(&ServiceError{Status: resp.StatusCode, Err: fmt.Errorf("decoding pending orders: %w", err)})
	}
	return orders, nil
}
