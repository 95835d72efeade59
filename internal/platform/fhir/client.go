package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthType selects how the client authenticates against the upstream server.
type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthBasic       AuthType = "basic"
	AuthOAuth2      AuthType = "oauth2"
	AuthSmartOnFHIR AuthType = "smart"
)

// ParseAuthType maps a configuration string to an AuthType.
func ParseAuthType(s string) (AuthType, error) {
	switch AuthType(strings.ToLower(strings.TrimSpace(s))) {
	case "", AuthNone:
		return AuthNone, nil
	case AuthBasic:
		return AuthBasic, nil
	case AuthOAuth2:
		return AuthOAuth2, nil
	case AuthSmartOnFHIR:
		return AuthSmartOnFHIR, nil
	}
	return "", fmt.Errorf("unknown FHIR auth type %q", s)
}

const (
	mimeFHIRJSON    = "application/fhir+json"
	maxResponseBody = 32 << 20
)

var resourceTypePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+$`)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL      string
	AuthType     AuthType
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
	// MaxRetries bounds retries of transport errors, 429 and 5xx responses.
	MaxRetries    uint64
	RetryInterval time.Duration
}

// HTTPError is returned for non-2xx upstream responses.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client reads resources from an upstream FHIR R4 server.
type Client struct {
	baseURL    string
	cfg        ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// ClientOption configures optional Client settings.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. With OAuth2 auth the
// given client is also used to fetch tokens.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds a Client. For OAuth2 and SMART backend auth the client
// credentials grant is used and tokens are refreshed transparently.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("FHIR server URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid FHIR server URL: %w", err)
	}
	if cfg.AuthType == "" {
		cfg.AuthType = AuthNone
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	c := &Client{
		baseURL:    base,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch cfg.AuthType {
	case AuthNone:
	case AuthBasic:
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("basic auth requires username and password")
		}
	case AuthOAuth2, AuthSmartOnFHIR:
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("%s auth requires client id, client secret and token URL", cfg.AuthType)
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		authed := cc.Client(tokenCtx)
		authed.Timeout = c.httpClient.Timeout
		c.httpClient = authed
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.AuthType)
	}

	return c, nil
}

// BaseURL returns the normalised server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Capability fetches the server CapabilityStatement.
func (c *Client) Capability(ctx context.Context) (*CapabilityStatement, error) {
	body, err := c.get(ctx, "metadata", nil)
	if err != nil {
		return nil, err
	}
	var cs CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("decode capability statement: %w", err)
	}
	if cs.FHIRVersion == "" {
		return nil, fmt.Errorf("invalid capability statement: fhirVersion missing")
	}
	return &cs, nil
}

// Count returns the number of resources of the given type on the server.
func (c *Client) Count(ctx context.Context, resourceType string) (int, error) {
	if err := checkResourceType(resourceType); err != nil {
		return 0, err
	}
	body, err := c.get(ctx, resourceType, url.Values{"_summary": {"count"}})
	if err != nil {
		return 0, err
	}
	b, err := DecodeBundle(body)
	if err != nil {
		return 0, err
	}
	return b.TotalOr(0), nil
}

// Search runs a type-level search and returns the searchset Bundle.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	if err := checkResourceType(resourceType); err != nil {
		return nil, err
	}
	body, err := c.get(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	return DecodeBundle(body)
}

// ValidResourceType reports whether rt is shaped like a FHIR resource type
// name and so is safe to use as a URL path segment.
func ValidResourceType(rt string) bool {
	return resourceTypePattern.MatchString(rt)
}

func checkResourceType(rt string) error {
	if !ValidResourceType(rt) {
		return fmt.Errorf("invalid resource type %q", rt)
	}
	return nil
}

// get issues a GET with retries and returns the 2xx response body.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + "/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", mimeFHIRJSON)
		if c.cfg.AuthType == AuthBasic {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("GET %s: %w", u, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return fmt.Errorf("read response from %s: %w", u, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			herr := &HTTPError{Method: http.MethodGet, URL: u, StatusCode: resp.StatusCode, Body: string(body)}
			if herr.Temporary() {
				return herr
			}
			return backoff.Permanent(herr)
		}
		data = body
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Str("url", u).Msg("upstream request failed, retrying")
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
