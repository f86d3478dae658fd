package host

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/cochaviz/accelhost/internal/logging"
)

// Prober reports whether an endpoint answers HTTP requests.
type Prober interface {
	Reachable(ctx context.Context, url string) bool
}

const (
	probeRequestTimeout = 2 * time.Second
	probeRetries        = 2
)

// HTTPProber probes endpoints with a short GET. Certificates are not
// verified: accelerator hosts present self-signed certificates.
type HTTPProber struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProber returns a prober retrying each probe a couple of times.
func NewHTTPProber(logger *slog.Logger) *HTTPProber {
	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport, Timeout: probeRequestTimeout}
	retryClient.RetryMax = probeRetries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.Logger = nil

	return &HTTPProber{
		client: retryClient.StandardClient(),
		logger: logging.Ensure(logger).With("component", "host.probe"),
	}
}

func (p *HTTPProber) Reachable(ctx context.Context, url string) bool {
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Debug("invalid probe url", "url", url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}
