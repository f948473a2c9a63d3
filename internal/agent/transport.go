package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransportKind classifies failures below the protocol layer.
type TransportKind string

const (
	TransportTimeout          TransportKind = "Timeout"
	TransportConnectionFailed TransportKind = "ConnectionFailed"
	TransportMalformed        TransportKind = "Malformed"
)

// TransportError carries enough detail for a caller to decide on a retry.
type TransportError struct {
	Kind     TransportKind
	Endpoint string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("agent: transport %s", e.Kind)
	if e.Endpoint != "" {
		msg += " " + e.Endpoint
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether the same request may succeed later.
func (e *TransportError) Transient() bool { return e.Kind != TransportMalformed }

// HTTPError is a non-success status from the network boundary.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent: http %d: %s", e.Status, e.Body)
}

type Response struct {
	Status int
	Body   []byte
}

// Transport moves CBOR bodies to and from a network endpoint.
type Transport interface {
	Post(ctx context.Context, path string, body []byte) (*Response, error)
	Get(ctx context.Context, path string) (*Response, error)
}

const maxResponseBytes = 8 << 20

// HTTPTransport talks to a boundary node or local replica.
type HTTPTransport struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPTransport(base string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("agent: host %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("agent: host %q must be http or https", base)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{base: u, client: client}, nil
}

func (t *HTTPTransport) Post(ctx context.Context, path string, body []byte) (*Response, error) {
	return t.do(ctx, http.MethodPost, path, body)
}

func (t *HTTPTransport) Get(ctx context.Context, path string) (*Response, error) {
	return t.do(ctx, http.MethodGet, path, nil)
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	endpoint := t.base.String() + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/cbor")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classify(path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, classify(path, err)
	}
	if len(data) > maxResponseBytes {
		return nil, &TransportError{Kind: TransportMalformed, Endpoint: path, Status: resp.StatusCode, Err: errors.New("response too large")}
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func classify(path string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &TransportError{Kind: TransportTimeout, Endpoint: path, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &TransportError{Kind: TransportConnectionFailed, Endpoint: path, Err: err}
	}
}
