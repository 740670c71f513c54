// Package client talks to a verdant server over HTTP: it fetches and verifies
// the server's public key, logs users in and requests LiveKit tokens.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/verdant/internal/discovery"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
)

const (
	tracerName     = "verdant.client"
	defaultTimeout = 15 * time.Second
	maxBodySize    = 1 << 20
)

// Options tune the HTTP client. Zero values use defaults.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewHTTPClient returns an instrumented HTTP client.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// APIClient is bound to one server.
type APIClient struct {
	url     string
	http    *http.Client
	keyType KeyType
	pubKey  []byte

	mu          sync.Mutex
	accessToken string
}

// New returns a client for url without fetching its key.
func New(url string, opts Options) *APIClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(opts.Timeout)
	}
	return &APIClient{url: strings.TrimRight(url, "/"), http: httpClient}
}

// FromServer fetches the server's public key and, when the server advertised
// a key hash, checks that the key matches it.
func FromServer(ctx context.Context, server discovery.Server, opts Options) (*APIClient, error) {
	c := New(server.URL, opts)

	var resp PubKeyResponse
	if err := c.do(ctx, http.MethodGet, "/pubkey", nil, "", &resp); err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	der, err := base64.StdEncoding.DecodeString(resp.PubKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if !resp.KeyType.Supported() {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownKeyType, resp.KeyType)
	}
	if server.PubKeyHash != "" {
		if got := discovery.HashKey(der); got != server.PubKeyHash {
			return nil, fmt.Errorf("%w: got %s, advertised %s", errspkg.ErrKeyHashMismatch, got, server.PubKeyHash)
		}
	}

	c.keyType = resp.KeyType
	c.pubKey = der
	return c, nil
}

// URL returns the server base URL.
func (c *APIClient) URL() string { return c.url }

// KeyType returns the type of the server key fetched by FromServer.
func (c *APIClient) KeyType() KeyType { return c.keyType }

// AccessToken returns the token stored by the last successful login.
func (c *APIClient) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// Login authenticates username. Rejected credentials are a normal result, not
// an error; errors are reserved for transport and protocol failures.
func (c *APIClient) Login(ctx context.Context, username, password string) (LoginResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "verdant.client.login", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("verdant.server", c.url))

	result := LoginResult{Server: c.url, Username: username}

	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/auth/api/login/", loginRequest{Username: username, Password: password}, "", &resp)
	if err != nil {
		if isStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			result.Status = LoginUnauthorized
			span.SetAttributes(attribute.String("verdant.login.status", string(result.Status)))
			return result, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return LoginResult{}, err
	}

	switch LoginStatus(resp.Result) {
	case LoginSuccess:
		if resp.Token == "" {
			err := fmt.Errorf("%w: login succeeded without a token", errspkg.ErrUnexpectedStatus)
			span.RecordError(err)
			return LoginResult{}, err
		}
		c.mu.Lock()
		c.accessToken = resp.Token
		c.mu.Unlock()
		result.Status = LoginSuccess
		result.Token = resp.Token
	case LoginPasswordReset:
		result.Status = LoginPasswordReset
	default:
		result.Status = LoginUnauthorized
	}
	span.SetAttributes(attribute.String("verdant.login.status", string(result.Status)))
	return result, nil
}

// LiveKitToken requests a LiveKit room token for the logged-in user.
func (c *APIClient) LiveKitToken(ctx context.Context) (TokenResponse, error) {
	token := c.AccessToken()
	if token == "" {
		return TokenResponse{}, errspkg.ErrUnauthorized
	}
	var resp TokenResponse
	if err := c.do(ctx, http.MethodGet, "/rpc/token", nil, token, &resp); err != nil {
		if isStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			return TokenResponse{}, fmt.Errorf("%w: %v", errspkg.ErrUnauthorized, err)
		}
		return TokenResponse{}, err
	}
	return resp, nil
}

// StatusError carries the HTTP status of a failed request.
type StatusError struct {
	Method string
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s %s returned %d", errspkg.ErrUnexpectedStatus, e.Method, e.Path, e.Status)
}

func (e *StatusError) Unwrap() error { return errspkg.ErrUnexpectedStatus }

func isStatus(err error, statuses ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, s := range statuses {
		if se.Status == s {
			return true
		}
	}
	return false
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, bearer string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := jsoncodec.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode}
	}
	if err := jsoncodec.Decode(io.LimitReader(resp.Body, maxBodySize), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
