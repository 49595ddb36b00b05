// Package mailer is the typed REST client for the subscriber platform. It
// implements platform.SubscriberPlatform; all request shaping and payload
// decoding stays behind this boundary.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tiersync/internal/platform"
)

type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// APIError is a non-2xx platform response. 429 and 5xx are temporary; a 429
// additionally carries the reset delay the platform reported.
type APIError struct {
	Status     int
	Body       string
	ResetAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mailer API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *APIError) RetryAfter() time.Duration {
	return e.ResetAfter
}

func NewClient(httpClient *http.Client, host, apiKey string, rps float64) *Client {
	host = strings.TrimRight(host, "/")
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		host:       host,
		apiKey:     apiKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-MailerLite-ApiKey", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Status:     resp.StatusCode,
			Body:       string(raw),
			ResetAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return raw, nil
}

// transportError wraps network-level failures so the engine classifies them as
// retryable without inspecting stdlib error types.
type transportError struct {
	err error
}

func (e *transportError) Error() string   { return "mailer request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Temporary() bool { return true }

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) ListCampaigns(ctx context.Context) ([]platform.Campaign, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/campaigns", nil, nil)
	if err != nil {
		return nil, err
	}
	var items []campaignPayload
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode campaigns: %w", err)
	}
	out := make([]platform.Campaign, 0, len(items))
	for _, item := range items {
		out = append(out, item.toPlatform())
	}
	return out, nil
}

func (c *Client) CreateCampaign(ctx context.Context, name, campaignType, subject string) (*platform.Campaign, error) {
	if name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	payload := map[string]string{"name": name, "type": campaignType, "subject": subject}
	raw, err := c.doRequest(ctx, http.MethodPost, "/campaigns", nil, payload)
	if err != nil {
		return nil, err
	}
	var item campaignPayload
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode campaign: %w", err)
	}
	out := item.toPlatform()
	return &out, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]platform.Group, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	var items []groupPayload
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	out := make([]platform.Group, 0, len(items))
	for _, item := range items {
		out = append(out, item.toPlatform())
	}
	return out, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string) (*platform.Group, error) {
	if name == "" {
		return nil, fmt.Errorf("group name is required")
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/groups", nil, map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	var item groupPayload
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode group: %w", err)
	}
	out := item.toPlatform()
	return &out, nil
}

func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("group id is required")
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/groups/"+url.PathEscape(groupID), nil, nil)
	return err
}

func (c *Client) ListGroupMembers(ctx context.Context, groupID string, page, pageSize int) ([]platform.Member, error) {
	if groupID == "" {
		return nil, fmt.Errorf("group id is required")
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(pageSize))
	raw, err := c.doRequest(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/subscribers", query, nil)
	if err != nil {
		return nil, err
	}
	var items []memberPayload
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode group members: %w", err)
	}
	out := make([]platform.Member, 0, len(items))
	for _, item := range items {
		out = append(out, item.toPlatform())
	}
	return out, nil
}

func (c *Client) AddMemberToGroup(ctx context.Context, memberID, groupID string) error {
	if memberID == "" || groupID == "" {
		return fmt.Errorf("member id and group id are required")
	}
	path := "/groups/" + url.PathEscape(groupID) + "/subscribers/" + url.PathEscape(memberID)
	_, err := c.doRequest(ctx, http.MethodPost, path, nil, nil)
	return err
}

func (c *Client) RemoveMemberFromGroup(ctx context.Context, memberID, groupID string) error {
	if memberID == "" || groupID == "" {
		return fmt.Errorf("member id and group id are required")
	}
	path := "/groups/" + url.PathEscape(groupID) + "/subscribers/" + url.PathEscape(memberID)
	_, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) ListFields(ctx context.Context) ([]platform.Field, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/fields", nil, nil)
	if err != nil {
		return nil, err
	}
	var items []fieldPayload
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	out := make([]platform.Field, 0, len(items))
	for _, item := range items {
		out = append(out, item.toPlatform())
	}
	return out, nil
}

func (c *Client) CreateField(ctx context.Context, name, fieldType string) (*platform.Field, error) {
	if name == "" {
		return nil, fmt.Errorf("field name is required")
	}
	if fieldType == "" {
		fieldType = "NUMBER"
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/fields", nil, map[string]string{"title": name, "type": fieldType})
	if err != nil {
		return nil, err
	}
	var item fieldPayload
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode field: %w", err)
	}
	out := item.toPlatform()
	return &out, nil
}

func (c *Client) DeleteField(ctx context.Context, fieldID string) error {
	if fieldID == "" {
		return fmt.Errorf("field id is required")
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/fields/"+url.PathEscape(fieldID), nil, nil)
	return err
}

func (c *Client) GetMember(ctx context.Context, emailOrID string) (*platform.Member, error) {
	if emailOrID == "" {
		return nil, fmt.Errorf("subscriber identifier is required")
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/subscribers/"+url.PathEscape(emailOrID), nil, nil)
	if err != nil {
		return nil, err
	}
	var item memberPayload
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode subscriber: %w", err)
	}
	out := item.toPlatform()
	return &out, nil
}

func (c *Client) UpdateMemberFields(ctx context.Context, memberID string, fields map[string]string) error {
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}
	if len(fields) == 0 {
		return nil
	}
	payload := map[string]any{"fields": fields}
	_, err := c.doRequest(ctx, http.MethodPut, "/subscribers/"+url.PathEscape(memberID), nil, payload)
	return err
}

func (c *Client) BulkImportMembers(ctx context.Context, groupID string, members []platform.Member) error {
	if groupID == "" {
		return fmt.Errorf("group id is required")
	}
	if len(members) == 0 {
		return nil
	}
	payload := importPayload{Resubscribe: true}
	for _, m := range members {
		payload.Subscribers = append(payload.Subscribers, memberPayload{
			ID:     m.ID,
			Email:  m.Email,
			Name:   m.Name,
			Fields: fieldValuesFromMap(m.Fields),
		})
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/subscribers/import", nil, payload)
	return err
}
