// Package commerce is the typed REST client for the commerce backend's
// purchase oracle. It implements platform.PurchaseOracle.
package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"tiersync/internal/platform"
)

type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commerce API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func NewClient(httpClient *http.Client, host, apiKey string) *Client {
	return &Client{
		host:       strings.TrimRight(host, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commerce request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func (c *Client) HasPurchased(ctx context.Context, email, productID string) (bool, error) {
	if email == "" || productID == "" {
		return false, fmt.Errorf("email and product id are required")
	}
	query := url.Values{}
	query.Set("email", email)
	query.Set("product", productID)
	raw, err := c.doRequest(ctx, "/purchases/check", query)
	if err != nil {
		return false, err
	}
	var out struct {
		Purchased bool `json:"purchased"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("failed to decode purchase check: %w", err)
	}
	return out.Purchased, nil
}

// ValidateOrder cross-checks a stored purchase reference against the commerce
// backend: the order must exist, be completed, and belong to the given email.
func (c *Client) ValidateOrder(ctx context.Context, orderID, email string) (bool, error) {
	if orderID == "" || email == "" {
		return false, nil
	}
	query := url.Values{}
	query.Set("order", orderID)
	raw, err := c.doRequest(ctx, "/orders/validate", query)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	var out struct {
		OrderID   string `json:"order_id"`
		Email     string `json:"email"`
		Completed bool   `json:"completed"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("failed to decode order: %w", err)
	}
	return out.Completed && strings.EqualFold(out.Email, email), nil
}

func (c *Client) GetSales(ctx context.Context, campaign string) (*platform.SalesSnapshot, error) {
	query := url.Values{}
	if campaign != "" {
		query.Set("campaign", campaign)
	}
	raw, err := c.doRequest(ctx, "/sales", query)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Records []struct {
			OrderID   string          `json:"order_id"`
			Email     string          `json:"email"`
			ProductID string          `json:"product_id"`
			Amount    decimal.Decimal `json:"amount"`
			Status    string          `json:"status"`
		} `json:"records"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode sales: %w", err)
	}
	snapshot := &platform.SalesSnapshot{}
	seen := map[string]struct{}{}
	for _, rec := range payload.Records {
		completed := strings.EqualFold(rec.Status, "completed")
		snapshot.Records = append(snapshot.Records, platform.SalesRecord{
			OrderID:   rec.OrderID,
			Email:     rec.Email,
			ProductID: rec.ProductID,
			Amount:    rec.Amount,
			Completed: completed,
		})
		email := strings.ToLower(strings.TrimSpace(rec.Email))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		snapshot.Emails = append(snapshot.Emails, email)
	}
	return snapshot, nil
}
