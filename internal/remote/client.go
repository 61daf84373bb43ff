package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// TokenSource returns the bearer token for the next call.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client is the HTTP implementation of Authority.
//
// Each RPC is POST {baseURL}/rpc/{action} with a JSON body and an
// Authorization: Bearer header.
type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	logger  *zap.Logger
	latency *LatencyTracker
}

var _ Authority = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithToken uses a fixed bearer token.
func WithToken(token string) Option {
	return WithTokenSource(StaticToken(token))
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLatencyTracker shares a tracker between clients.
func WithLatencyTracker(t *LatencyTracker) Option {
	return func(c *Client) {
		if t != nil {
			c.latency = t
		}
	}
}

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   StaticToken(""),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
		latency: NewLatencyTracker(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the underlying client, for transport interception in
// tests.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Latency returns the client's latency tracker.
func (c *Client) Latency() *LatencyTracker { return c.latency }

// Call executes one mutation RPC.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	action := req.Action
	if action == "" {
		action = Action(req.Type, req.Entity)
	}
	return c.post(ctx, action, req.IdempotencyKey, req)
}

// Fetch reads the current server state of one resource.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*Response, error) {
	return c.post(ctx, FetchAction(req.Entity), "", req)
}

type envelope struct {
	Data  map[string]any `json:"data"`
	Error *envelopeError `json:"error"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Current map[string]any `json:"current"`
}

func (c *Client) post(ctx context.Context, action, idempotencyKey string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "encode request", Err: err}
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, &Error{Kind: KindUnauthorized, Message: "obtain token", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+action, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindRejected, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	c.latency.Observe(action, time.Since(start))
	if err != nil {
		rerr := transportError(ctx, err)
		c.logger.Debug("remote call failed",
			zap.String("action", action),
			zap.Stringer("kind", rerr.Kind),
			zap.Error(err),
		)
		return nil, rerr
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Status: httpResp.StatusCode, Message: "read response", Err: err}
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			kind := Classify(httpResp.StatusCode, "")
			if httpResp.StatusCode < 400 {
				kind = KindServer
			}
			return nil, &Error{
				Kind:    kind,
				Status:  httpResp.StatusCode,
				Message: fmt.Sprintf("malformed response from %s", action),
				Err:     err,
			}
		}
	}

	if env.Error != nil || httpResp.StatusCode >= 400 {
		rerr := &Error{Status: httpResp.StatusCode}
		if env.Error != nil {
			rerr.Code = env.Error.Code
			rerr.Message = env.Error.Message
			rerr.Current = env.Error.Current
		}
		if rerr.Message == "" {
			rerr.Message = http.StatusText(httpResp.StatusCode)
		}
		rerr.Kind = Classify(httpResp.StatusCode, rerr.Code)
		c.logger.Debug("remote call rejected",
			zap.String("action", action),
			zap.Int("status", rerr.Status),
			zap.String("code", rerr.Code),
			zap.Stringer("kind", rerr.Kind),
		)
		return nil, rerr
	}

	return NewResponse(env.Data), nil
}

func transportError(ctx context.Context, err error) *Error {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindNetwork
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}
