package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	headerAuthorization = "Authorization"
	headerAPIKey        = "apikey"
	headerUpsert        = "x-upsert"
	headerTusResumable  = "Tus-Resumable"

	tusVersion = "1.0.0"

	maxResponseBodySize = 1024
)

// Request is a single protocol request.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
}

// Response is the part of an HTTP response the session protocol inspects.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer sends protocol requests.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportParams ...
type TransportParams struct {
	AccessToken string
	APIKey      string
	// QueryRetries is the number of retries of bodiless HEAD requests on connection errors and 5xx responses.
	// Requests that create sessions or carry chunk data are never retried here.
	QueryRetries int
	// HTTPClient is shared by every request; nil means DefaultHTTPClient.
	HTTPClient *http.Client
}

// Transport adds the authorization and overwrite headers to every request and
// turns responses into Response values. It is safe for concurrent use.
type Transport struct {
	queryClient *retryablehttp.Client
	client      *retryablehttp.Client
	accessToken string
	apiKey      string
	logger      log.Logger
}

// NewTransport ...
func NewTransport(params TransportParams, logger log.Logger) *Transport {
	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	queryClient := retryhttp.NewClient(logger)
	queryClient.HTTPClient = httpClient
	queryClient.RetryMax = params.QueryRetries
	queryClient.CheckRetry = createQueryRetryFunction(logger)
	queryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := retryhttp.NewClient(logger)
	client.HTTPClient = httpClient
	client.RetryMax = 0
	client.CheckRetry = noRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Transport{
		queryClient: queryClient,
		client:      client,
		accessToken: params.AccessToken,
		apiKey:      params.APIKey,
		logger:      logger,
	}
}

// Do sends the request and reads at most a small response body.
func (t *Transport) Do(ctx context.Context, r Request) (*Response, error) {
	var body interface{}
	if r.Body != nil {
		body = r.Body
	}

	req, err := retryablehttp.NewRequest(r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", r.Method, err)
	}
	req = req.WithContext(ctx)

	req.Header.Set(headerAuthorization, fmt.Sprintf("Bearer %s", t.accessToken))
	req.Header.Set(headerAPIKey, t.apiKey)
	req.Header.Set(headerUpsert, "true")
	req.Header.Set(headerTusResumable, tusVersion)
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	if r.Body != nil {
		// Set Content-Length manually because retryablehttp does not do it automatically
		req.ContentLength = int64(len(r.Body))
	}

	client := t.client
	if r.Method == http.MethodHead {
		client = t.queryClient
	}

	t.logger.Debugf("%s %s (%d bytes)", r.Method, r.URL, len(r.Body))
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, r.Method, r.URL, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			t.logger.Printf(err.Error())
		}
	}(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", ErrTransport, r.Method, err)
	}
	t.logger.Debugf("%s %s -> HTTP %d", r.Method, r.URL, resp.StatusCode)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// CloseIdleConnections closes idle connections of the shared pool.
func (t *Transport) CloseIdleConnections() {
	t.client.HTTPClient.CloseIdleConnections()
}

func createQueryRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		if resp != nil && isSessionGone(resp.StatusCode) {
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
}

func noRetry(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	return false, ctx.Err()
}

func isSessionGone(statusCode int) bool {
	return statusCode == http.StatusNotFound || statusCode == http.StatusGone
}

// DefaultHTTPClient creates an HTTP client for long running chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - request lifetimes are bound by the caller's context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
