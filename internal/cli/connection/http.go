package connection

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

	"github.com/yndnr/tablesnap-go/internal/infra/buildinfo"
	"github.com/yndnr/tablesnap-go/internal/infra/tlsroots"
)

// DefaultTimeout bounds a single request unless Options.Timeout is set.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	// Server is host:port or a full http(s) URL.
	Server string

	// Token is sent as "Authorization: Bearer <token>" when set.
	Token string

	// CAFile and Insecure configure TLS. Either one switches a bare
	// host:port to https.
	CAFile   string
	Insecure bool

	Timeout time.Duration
}

// Client talks to the tablesnap admin API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client.
func NewClient(opts Options) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("server address is required")
	}
	tlsWanted := opts.CAFile != "" || opts.Insecure

	baseURL := strings.TrimRight(opts.Server, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		scheme := "http://"
		if tlsWanted {
			scheme = "https://"
		}
		baseURL = scheme + baseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.HasPrefix(baseURL, "https://") {
		tlsCfg, err := tlsroots.ClientConfig(opts.CAFile, opts.Insecure)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		baseURL: baseURL,
		token:   opts.Token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	Details   any
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Code != "" {
		fmt.Fprintf(&b, "[%s] ", e.Code)
	}
	b.WriteString(e.Message)
	if e.Details != nil {
		fmt.Fprintf(&b, ": %v", e.Details)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}
	return b.String()
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// envelope mirrors the server response format.
type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Details   any             `json:"details"`
}

// Get performs a GET request and decodes the envelope data into target.
func (c *Client) Get(ctx context.Context, path string, query url.Values, target any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, target)
}

// Post performs a POST request with an optional JSON body.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body, target any) error {
	return c.Do(ctx, http.MethodPost, path, query, body, target)
}

// Do sends a request and decodes the response. target may be nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, target any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tablesnap-cli/"+buildinfo.Version)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	return parseResponse(resp, target)
}

func parseResponse(resp *http.Response, target any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 400 {
		if decodeErr != nil || env.Message == "" {
			return &APIError{
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("request failed with status %d", resp.StatusCode),
			}
		}
		return &APIError{
			Status:    resp.StatusCode,
			Code:      env.Code,
			Message:   env.Message,
			RequestID: env.RequestID,
			Details:   env.Details,
		}
	}

	if decodeErr != nil {
		return fmt.Errorf("parse response: %w", decodeErr)
	}
	if target == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("parse response data: %w", err)
	}
	return nil
}
