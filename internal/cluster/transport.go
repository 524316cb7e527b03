package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Paths served by every node for grid traffic.
const (
	HelloPath    = "/grid/hello"
	EnvelopePath = "/grid/envelope"
)

// ErrUnreachable is returned when a peer cannot be contacted.
var ErrUnreachable = errors.New("cluster: peer unreachable")

// Transport delivers envelopes to a specific member.
type Transport interface {
	Send(ctx context.Context, to Member, env Envelope) error
}

// HTTPError is returned by PostJSON and GetJSON for non-2xx responses.
type HTTPError struct {
	URL    string
	Body   []byte
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Status)
}

// RejectBody is the response body a node sends when it refuses a hello
// because the sender's cluster settings are incompatible.
type RejectBody struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return postJSON(ctx, httpClient, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readHTTPError(url, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readHTTPError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readHTTPError(url string, resp *http.Response) error {
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(io.LimitReader(resp.Body, 64<<10))
	return &HTTPError{URL: url, Status: resp.StatusCode, Body: buf.Bytes()}
}

// HTTPTransport carries grid traffic as JSON over HTTP.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport using client, or a client with a
// five second timeout when client is nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = httpClient
	}
	return &HTTPTransport{client: client}
}

// Send posts env to the member's envelope endpoint.
func (t *HTTPTransport) Send(ctx context.Context, to Member, env Envelope) error {
	if err := postJSON(ctx, t.client, JoinURL(to.Addr, EnvelopePath), env, nil); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Kind, to.ID, err)
	}
	return nil
}

// Hello posts our hello to the node at addr and returns its reply.
// A 409 reply carries the reason the peer rejected us and is returned as
// a *BootstrapError.
func (t *HTTPTransport) Hello(ctx context.Context, addr string, h Hello) (Hello, error) {
	var reply Hello
	err := postJSON(ctx, t.client, JoinURL(addr, HelloPath), h, &reply)
	if err == nil {
		return reply, nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusConflict {
		var rej RejectBody
		if json.Unmarshal(httpErr.Body, &rej) == nil && rej.Field != "" {
			return Hello{}, &BootstrapError{Field: rej.Field, Reason: rej.Reason}
		}
	}
	return Hello{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
}

// JoinURL appends path to a base address, adding a scheme when missing.
func JoinURL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}
