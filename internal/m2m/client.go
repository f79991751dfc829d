// Package m2m implements the USGS Machine-to-Machine JSON API
// (https://m2m.cr.usgs.gov/api/docs/json/) subset needed to order and
// retrieve scene downloads.
package m2m

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

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/usgs_downloader/internal/delivery"
	"github.com/italolelis/usgs_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the stable endpoint of the M2M API.
const DefaultBaseURL = "https://m2m.cr.usgs.gov/api/api/json/stable/"

const (
	defaultTimeout       = 60 * time.Second
	defaultRetryInterval = 3 * time.Second
)

// Download systems whose products are plain downloadable archives. Other
// systems (bulk, orders) are not deliverable through this pipeline and
// leave the scene unresolved.
var deliverableSystems = []string{"dds", "ls_zip"}

// Client is a session-scoped M2M API client. Sessions are established
// with Login or LoginToken; the session token rides along as an opaque
// X-Auth-Token header on every request.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	retryInterval time.Duration
	token         string
}

// NewClient creates a client against baseURL, or the stable production
// endpoint when baseURL is empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/",
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retryInterval: defaultRetryInterval,
	}
}

// Login starts a session with username and password.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.login(ctx, "login", map[string]string{"username": username, "password": password})
}

// LoginToken starts a session with username and an application token.
func (c *Client) LoginToken(ctx context.Context, username, token string) error {
	return c.login(ctx, "login-token", map[string]string{"username": username, "token": token})
}

func (c *Client) login(ctx context.Context, endpoint string, payload map[string]string) error {
	var token string
	if err := c.request(ctx, endpoint, payload, &token); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	c.token = token

	logctx.LoggerFromContext(ctx).Info("authenticated with the M2M api", "endpoint", endpoint)

	return nil
}

// Logout ends the session. Best effort; the token expires server-side
// anyway.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.request(ctx, "logout", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}

	c.token = ""

	return nil
}

// FetchDownloadOptions implements delivery.Catalog.
func (c *Client) FetchDownloadOptions(ctx context.Context, dataset string, entityIDs []string) ([]delivery.OptionRecord, error) {
	params := map[string]any{
		"datasetName": dataset,
		"entityIds":   entityIDs,
	}

	var raw []struct {
		ID             string `json:"id"`
		EntityID       string `json:"entityId"`
		DisplayID      string `json:"displayId"`
		Filesize       int64  `json:"filesize"`
		DownloadSystem string `json:"downloadSystem"`
	}

	if err := c.request(ctx, "download-options", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch download options: %w", err)
	}

	options := make([]delivery.OptionRecord, 0, len(raw))

	for _, opt := range raw {
		if !isDeliverable(opt.DownloadSystem) {
			continue
		}

		options = append(options, delivery.OptionRecord{
			EntityID:  opt.EntityID,
			ProductID: opt.ID,
			DisplayID: opt.DisplayID,
			FileSize:  opt.Filesize,
		})
	}

	return options, nil
}

// CancelPendingOrders implements delivery.Catalog.
func (c *Client) CancelPendingOrders(ctx context.Context, label string) error {
	if err := c.request(ctx, "download-order-remove", map[string]string{"label": label}, nil); err != nil {
		return fmt.Errorf("failed to remove download order: %w", err)
	}

	return nil
}

// SubmitOrder implements delivery.Catalog.
func (c *Client) SubmitOrder(ctx context.Context, label string, items []delivery.DownloadItem) ([]string, error) {
	downloads := make([]map[string]string, 0, len(items))
	for _, item := range items {
		downloads = append(downloads, map[string]string{
			"entityId":  item.EntityID,
			"productId": item.ProductID,
		})
	}

	params := map[string]any{
		"downloads": downloads,
		"label":     label,
	}

	var raw struct {
		Failed []struct {
			EntityID string `json:"entityId"`
		} `json:"failed"`
	}

	if err := c.request(ctx, "download-request", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to submit download request: %w", err)
	}

	failed := make([]string, 0, len(raw.Failed))
	for _, f := range raw.Failed {
		failed = append(failed, f.EntityID)
	}

	return failed, nil
}

// PollDownloadLinks implements delivery.Catalog.
func (c *Client) PollDownloadLinks(ctx context.Context, label string) (*delivery.RetrieveResult, error) {
	var raw struct {
		Available []linkPayload `json:"available"`
		Requested []linkPayload `json:"requested"`
	}

	if err := c.request(ctx, "download-retrieve", map[string]string{"label": label}, &raw); err != nil {
		return nil, fmt.Errorf("failed to retrieve download links: %w", err)
	}

	return &delivery.RetrieveResult{
		Available: toLinkRecords(raw.Available),
		Requested: toLinkRecords(raw.Requested),
	}, nil
}

type linkPayload struct {
	DownloadID json.Number `json:"downloadId"`
	EntityID   string      `json:"entityId"`
	URL        string      `json:"url"`
}

func toLinkRecords(payloads []linkPayload) []delivery.LinkRecord {
	links := make([]delivery.LinkRecord, 0, len(payloads))

	for _, p := range payloads {
		links = append(links, delivery.LinkRecord{
			LinkID:      p.DownloadID.String(),
			EntityID:    p.EntityID,
			DownloadURL: p.URL,
		})
	}

	return links
}

func isDeliverable(system string) bool {
	for _, s := range deliverableSystems {
		if s == system {
			return true
		}
	}

	return false
}

// request performs one API round-trip and decodes the envelope's data
// field into out. A rate-limit response is retried exactly once after a
// fixed backoff; every other error is permanent.
func (c *Client) request(ctx context.Context, endpoint string, params, out any) error {
	operation := func() (json.RawMessage, error) {
		data, err := c.do(ctx, endpoint, params)
		if err != nil {
			var rateLimitErr *delivery.RateLimitError
			if errors.As(err, &rateLimitErr) {
				return nil, err
			}

			return nil, backoff.Permanent(err)
		}

		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryInterval)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return err
	}

	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}

	return nil
}

type envelope struct {
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, endpoint string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &delivery.TransportError{Operation: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &delivery.TransportError{Operation: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &delivery.TransportError{
			Operation:  endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode envelope: %w", err),
		}
	}

	if err := apiError(env); err != nil {
		return nil, err
	}

	return env.Data, nil
}

// apiError maps a non-null error code to the matching typed error.
func apiError(env envelope) error {
	switch env.ErrorCode {
	case "":
		return nil
	case "AUTH_INVALID", "AUTH_UNAUTHROIZED", "AUTH_KEY_INVALID":
		return &delivery.AuthenticationError{Code: env.ErrorCode, Message: env.ErrorMessage}
	case "RATE_LIMIT":
		return &delivery.RateLimitError{Message: env.ErrorMessage}
	case "DATASET_INVALID":
		return &delivery.InvalidDatasetError{Message: env.ErrorMessage}
	default:
		return &delivery.APIError{Code: env.ErrorCode, Message: env.ErrorMessage}
	}
}
