// Package metering exchanges accelerator credentials for an access token.
package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/cochaviz/accelhost/internal/faults"
	"github.com/cochaviz/accelhost/internal/logging"
)

const (
	DefaultURL     = "https://master.metering.accelize.com"
	tokenPath      = "/o/token/"
	requestTimeout = 30 * time.Second
	service        = "metering"
)

// Client fetches and caches the bearer token of one credential pair.
type Client struct {
	baseURL  string
	clientID string
	secretID string
	http     *retryablehttp.Client
	logger   *slog.Logger

	mu    sync.Mutex
	token string
}

// New returns a client for the metering service at baseURL, DefaultURL when
// empty.
func New(baseURL, clientID, secretID string, logger *slog.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultURL
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = requestTimeout
	rc.RetryMax = 2
	rc.Logger = nil

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: strings.TrimSpace(clientID),
		secretID: strings.TrimSpace(secretID),
		http:     rc,
		logger:   logging.Ensure(logger).With("component", "metering"),
	}
}

// Authenticate checks the credentials by obtaining a token.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.Token(ctx)
	return err
}

// Token returns the cached access token, requesting one on first use.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	if c.clientID == "" || c.secretID == "" {
		return "", &faults.AuthenticationError{Service: service, Msg: "client id and secret id are required"}
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.secretID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request metering token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read metering response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &faults.AuthenticationError{
			Service: service,
			Msg:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &faults.AuthenticationError{Service: service, Msg: "invalid token response", Err: err}
	}
	if payload.AccessToken == "" {
		return "", &faults.AuthenticationError{Service: service, Msg: "empty access token"}
	}
	c.token = payload.AccessToken
	c.logger.Debug("metering token obtained")
	return c.token, nil
}
