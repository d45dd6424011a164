// Package azdo is a minimal Azure DevOps REST client covering the work
// item tracking surface this server exposes as tools. It speaks the 7.1
// API against https://dev.azure.com/{organization}.
package azdo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://dev.azure.com"
	apiVersion     = "7.1"

	contentTypeJSON      = "application/json"
	contentTypeJSONPatch = "application/json-patch+json"
)

// APIError is a non-2xx response from Azure DevOps, carrying the
// service's message and type key when the body was parseable.
type APIError struct {
	StatusCode int
	TypeKey    string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("azure devops: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("azure devops: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type authOverrideKey struct{}

// WithAuthorization returns a context that makes the client use the given
// Authorization header value for requests instead of its configured
// credential. This is how a caller's own token is forwarded through to
// Azure DevOps.
func WithAuthorization(ctx context.Context, header string) context.Context {
	return context.WithValue(ctx, authOverrideKey{}, header)
}

// Client talks to the Azure DevOps REST API for a single organization.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	org        string
	httpClient *http.Client
	cred       Credential
	limiter    *rate.Limiter
	log        *slog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points the client at a different service root, e.g. an
// Azure DevOps Server installation or a test server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRateLimit caps outbound requests at rps requests per second with
// the given burst, smoothing call spikes from batch tool invocations.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func NewClient(organization string, cred Credential, opts ...ClientOption) (*Client, error) {
	if organization == "" {
		return nil, errors.New("azdo: organization is required")
	}
	if cred == nil {
		return nil, errors.New("azdo: credential is required")
	}

	c := &Client{
		baseURL:    defaultBaseURL,
		org:        organization,
		httpClient: http.DefaultClient,
		cred:       cred,
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Organization returns the organization this client was built for.
func (c *Client) Organization() string { return c.org }

// workItemURL builds the canonical resource URL for a work item, used as
// the target of relation links.
func (c *Client) workItemURL(id int) string {
	return fmt.Sprintf("%s/%s/_apis/wit/workItems/%d", c.baseURL, c.org, id)
}

func (c *Client) authorization(ctx context.Context) (string, error) {
	if hdr, ok := ctx.Value(authOverrideKey{}).(string); ok && hdr != "" {
		return hdr, nil
	}
	return c.cred.Authorization(ctx)
}

// do issues one API request. path is relative to the organization root
// and must begin with a slash. body, when non-nil, is marshaled as JSON
// with the given content type; out, when non-nil, receives the decoded
// response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, version, contentType string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if query == nil {
		query = url.Values{}
	}
	if version == "" {
		version = apiVersion
	}
	query.Set("api-version", version)

	u := c.baseURL + "/" + c.org + path + "?" + query.Encode()

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}

	auth, err := c.authorization(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		if contentType == "" {
			contentType = contentTypeJSON
		}
		req.Header.Set("Content-Type", contentType)
	}

	c.log.DebugContext(ctx, "azdo.request", slog.String("method", method), slog.String("path", path))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return c.errorFromResponse(res)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

func (c *Client) errorFromResponse(res *http.Response) error {
	apiErr := &APIError{StatusCode: res.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var parsed struct {
		Message string `json:"message"`
		TypeKey string `json:"typeKey"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		apiErr.Message = parsed.Message
		apiErr.TypeKey = parsed.TypeKey
	}
	return apiErr
}
