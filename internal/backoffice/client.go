package backoffice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storepos/backend/internal/domain"
)

// FallbackMessage is shown to the cashier when the back office could not be
// reached or answered with something other than a settlement envelope.
const FallbackMessage = "payment could not be completed, please retry"

const maxResponseBytes = 4 << 20

// RejectedError is a settlement failure. Message is safe to show the cashier
// as is.
type RejectedError struct {
	Status  int
	Message string
	Cause   error
}

func (e *RejectedError) Error() string { return e.Message }

func (e *RejectedError) Unwrap() error { return e.Cause }

type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Logger   *zap.Logger
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// Client talks to a back office over its HTTP API. It satisfies the catalog
// source and settler contracts of the POS layer.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		http:     httpClient,
		logger:   logger.Named("backoffice"),
	}
}

func (c *Client) Catalog(ctx context.Context) (domain.Catalog, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/catalog", nil, nil)
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Catalog{}, fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode)
	}

	var catalog domain.Catalog
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&catalog); err != nil {
		return domain.Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if catalog.FetchedAt.IsZero() {
		catalog.FetchedAt = time.Now().UTC()
	}
	return catalog, nil
}

// FinalizeSale posts the sale with the idempotency key so a retried attempt is
// recorded at most once.
func (c *Client) FinalizeSale(ctx context.Context, idempotencyKey string, req domain.SaleRequest) (domain.SaleReceipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.SaleReceipt{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/sales", body, map[string]string{"Idempotency-Key": idempotencyKey})
	if err != nil {
		c.logger.Warn("settlement request failed", zap.String("idempotency_key", idempotencyKey), zap.Error(err))
		return domain.SaleReceipt{}, &RejectedError{Message: FallbackMessage, Cause: err}
	}
	defer resp.Body.Close()

	var envelope domain.SaleEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&envelope); err != nil {
		return domain.SaleReceipt{}, &RejectedError{
			Status:  resp.StatusCode,
			Message: FallbackMessage,
			Cause:   fmt.Errorf("decode settlement envelope (status %d): %w", resp.StatusCode, err),
		}
	}

	if envelope.Error {
		var message string
		if err := json.Unmarshal(envelope.Data, &message); err != nil || strings.TrimSpace(message) == "" {
			message = FallbackMessage
		}
		return domain.SaleReceipt{}, &RejectedError{Status: resp.StatusCode, Message: message}
	}

	var receipt domain.SaleReceipt
	if err := json.Unmarshal(envelope.Data, &receipt); err != nil {
		return domain.SaleReceipt{}, &RejectedError{
			Status:  resp.StatusCode,
			Message: FallbackMessage,
			Cause:   fmt.Errorf("decode sale receipt: %w", err),
		}
	}
	return receipt, nil
}

// do sends an authenticated request, logging in again once if the cached
// token is rejected.
func (c *Client) do(ctx context.Context, method string, path string, body []byte, headers map[string]string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.logger.Info("back office token rejected, logging in again")
			continue
		}
		return resp, nil
	}
}

func (c *Client) accessToken(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(domain.LoginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("back office login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("back office login: unexpected status %d", resp.StatusCode)
	}

	var login domain.LoginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&login); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if login.AccessToken == "" {
		return "", errors.New("back office login: empty access token")
	}

	expiry := time.Now().Add(5 * time.Minute)
	if parsed, err := time.Parse(time.RFC3339, login.ExpiresAt); err == nil {
		expiry = parsed.Add(-30 * time.Second)
	}
	c.token = login.AccessToken
	c.tokenExpiry = expiry
	return c.token, nil
}
