package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/cochaviz/accelhost/internal/faults"
)

const (
	// SendAttempts bounds the attempts to upload a process request.
	SendAttempts = 3

	transferTimeout = 20 * time.Minute
)

// Payload is a named input that can be opened more than once, so an upload
// can be replayed after a transport failure.
type Payload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FilePayload reads the file at path.
func FilePayload(path string) *Payload {
	return &Payload{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// BytesPayload serves data from memory.
func BytesPayload(name string, data []byte) *Payload {
	return &Payload{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(string(data))), nil },
	}
}

// transportError marks failures where no HTTP response was received.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// payloadError is a local failure to read an upload. It is never retried.
type payloadError struct {
	name string
	err  error
}

func (e *payloadError) Error() string { return fmt.Sprintf("read payload %s: %v", e.name, e.err) }
func (e *payloadError) Unwrap() error { return e.err }

// payloadReader tags read failures of the source as payload errors.
type payloadReader struct {
	name string
	r    io.Reader
}

func (r payloadReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		err = &payloadError{name: r.name, err: err}
	}
	return n, err
}

// httpError is a non-2xx answer of the accelerator API.
type httpError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client speaks the accelerator REST API of one endpoint.
type Client struct {
	baseURL string
	// send retries transport failures; used for idempotent calls and uploads.
	send *retryablehttp.Client
	// once never retries; used for configuration creation.
	once   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient returns a client for the endpoint. TLS certificates are not
// verified since accelerator hosts serve self-signed ones.
func NewClient(endpoint string, logger *slog.Logger) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	httpClient := &http.Client{Transport: transport, Timeout: transferTimeout}

	send := retryablehttp.NewClient()
	send.HTTPClient = httpClient
	send.RetryMax = SendAttempts - 1
	send.RetryWaitMin = 200 * time.Millisecond
	send.RetryWaitMax = 2 * time.Second
	send.CheckRetry = retryTransportErrors
	send.Logger = nil

	once := retryablehttp.NewClient()
	once.HTTPClient = httpClient
	once.RetryMax = 0
	once.CheckRetry = retryTransportErrors
	once.Logger = nil

	return &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		send:    send,
		once:    once,
		logger:  logger,
	}
}

// retryTransportErrors retries only when no response was received. HTTP
// error statuses are answers from the accelerator and are not retried.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	var perr *payloadError
	if errors.As(err, &perr) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// CreateConfiguration posts a configuration request.
func (c *Client) CreateConfiguration(ctx context.Context, parameters []byte, datafile *Payload) (configurationResponse, error) {
	var out configurationResponse
	body := multipartBody(map[string]string{"parameters": string(parameters)}, []string{"parameters"}, datafile)
	err := c.doMultipart(ctx, c.once, "/configure", body, &out)
	return out, err
}

// GetConfiguration reads a configuration by id.
func (c *Client) GetConfiguration(ctx context.Context, id string) (configurationResponse, error) {
	var out configurationResponse
	err := c.doJSON(ctx, http.MethodGet, "/configure/"+url.PathEscape(id), &out)
	return out, err
}

// ListConfigurations returns known configurations, most recent first.
func (c *Client) ListConfigurations(ctx context.Context) ([]configurationResponse, error) {
	var out configurationList
	if err := c.doJSON(ctx, http.MethodGet, "/configure", &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CreateProcess uploads a process request. Transport failures are retried
// with a fresh copy of the payload.
func (c *Client) CreateProcess(ctx context.Context, parameters []byte, configuration string, datafile *Payload) (processResponse, error) {
	var out processResponse
	body := multipartBody(
		map[string]string{"parameters": string(parameters), "configuration": configuration},
		[]string{"parameters", "configuration"},
		datafile,
	)
	err := c.doMultipart(ctx, c.send, "/process", body, &out)
	return out, err
}

// GetProcess reads a process by id.
func (c *Client) GetProcess(ctx context.Context, id string) (processResponse, error) {
	var out processResponse
	err := c.doJSON(ctx, http.MethodGet, "/process/"+url.PathEscape(id), &out)
	return out, err
}

// DeleteProcess removes a process and its result file on the remote side.
func (c *Client) DeleteProcess(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/process/"+url.PathEscape(id), nil)
}

// Stop asks the accelerator to release its hardware.
func (c *Client) Stop(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/stop", &out)
	return out, err
}

// Download copies the resource at ref, absolute or relative to the endpoint,
// into w.
func (c *Client) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return 0, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.send.Do(req)
	if err != nil {
		return 0, &transportError{err: fmt.Errorf("GET %s: %w", ref, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &httpError{Method: http.MethodGet, Path: ref, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy result file: %w", err)
	}
	return n, nil
}

func (c *Client) resolve(ref string) (string, error) {
	if strings.Contains(ref, "://") {
		return ref, nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", c.baseURL, err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse result reference %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

type multipartSource struct {
	contentType string
	reader      retryablehttp.ReaderFunc
}

// multipartBody streams the form through a pipe. Every call of the returned
// reader func opens the payload and produces a complete new body; an open
// failure is returned by the call itself, so the request is never sent.
func multipartBody(fields map[string]string, order []string, file *Payload) multipartSource {
	boundary := multipart.NewWriter(io.Discard).Boundary()
	return multipartSource{
		contentType: "multipart/form-data; boundary=" + boundary,
		reader: func() (io.Reader, error) {
			var src io.ReadCloser
			if file != nil {
				var err error
				if src, err = file.Open(); err != nil {
					return nil, &payloadError{name: file.Name, err: err}
				}
			}
			pr, pw := io.Pipe()
			go func() {
				if src != nil {
					defer src.Close()
				}
				pw.CloseWithError(writeMultipart(pw, boundary, fields, order, file, src))
			}()
			return pr, nil
		},
	}
}

func writeMultipart(w io.Writer, boundary string, fields map[string]string, order []string, file *Payload, src io.Reader) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}
	for _, key := range order {
		if err := mw.WriteField(key, fields[key]); err != nil {
			return fmt.Errorf("write field %s: %w", key, err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile("datafile", file.Name)
		if err != nil {
			return fmt.Errorf("create datafile part: %w", err)
		}
		if _, err := io.Copy(part, payloadReader{name: file.Name, r: src}); err != nil {
			return fmt.Errorf("write datafile part: %w", err)
		}
	}
	return mw.Close()
}

func (c *Client) doMultipart(ctx context.Context, client *retryablehttp.Client, path string, body multipartSource, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body.reader)
	if err != nil {
		if perr := asPayloadError(err); perr != nil {
			return perr
		}
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", body.contentType)
	return c.do(client, req, http.MethodPost, path, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(c.send, req, method, path, out)
}

func (c *Client) do(client *retryablehttp.Client, req *retryablehttp.Request, method, path string, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		if perr := asPayloadError(err); perr != nil {
			return perr
		}
		return &transportError{err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("accelerator API error", "method", method, "path", path, "status", resp.StatusCode, "body", string(data))
		return &httpError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s %s: %w", method, path, err)
	}
	return nil
}

// asPayloadError turns a local upload failure into a ConfigurationError, nil
// for anything else.
func asPayloadError(err error) error {
	var perr *payloadError
	if !errors.As(err, &perr) {
		return nil
	}
	return &faults.ConfigurationError{Msg: "cannot read " + perr.name, Err: perr.err}
}

// isTransport reports whether err means the endpoint did not answer.
func isTransport(err error) bool {
	var terr *transportError
	return errors.As(err, &terr)
}
