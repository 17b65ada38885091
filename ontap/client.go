package ontap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds a single REST call.
const DefaultRequestTimeout = 30 * time.Second

var (
	verifyingTransport = newTransport(false)
	insecureTransport  = newTransport(true)
)

func newTransport(skipVerify bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipVerify} //nolint:gosec // opt-in per cluster
	return t
}

// APIError is a non-2xx answer from a cluster.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

type ClusterVersion struct {
	Full       string `json:"full"`
	Generation int    `json:"generation"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Micro      int    `json:"micro,omitempty"`
}

type ClusterNode struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	State        string `json:"state,omitempty"`
}

type ClusterInfo struct {
	UUID    string         `json:"uuid"`
	Name    string         `json:"name"`
	Version ClusterVersion `json:"version"`
	Nodes   []ClusterNode  `json:"nodes,omitempty"`
	State   string         `json:"state,omitempty"`
}

type SVM struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type BlockStorage struct {
	Size      *int64 `json:"size,omitempty"`
	Available *int64 `json:"available,omitempty"`
	Used      *int64 `json:"used,omitempty"`
}

type AggregateSpace struct {
	BlockStorage BlockStorage `json:"block_storage"`
}

type Aggregate struct {
	UUID  string         `json:"uuid"`
	Name  string         `json:"name"`
	State string         `json:"state"`
	Space AggregateSpace `json:"space"`
}

// Client talks to one cluster. It is safe for concurrent use.
type Client struct {
	cfg  ClusterConfig
	base string
	http *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client, and with it the TLS policy.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient builds a client for https://<cluster_ip>/api.
func NewClient(cfg ClusterConfig, opts ...ClientOption) *Client {
	rt := insecureTransport
	if cfg.VerifyTLS {
		rt = verifyingTransport
	}
	c := &Client{
		cfg:  cfg,
		base: "https://" + strings.TrimSuffix(cfg.ClusterIP, "/") + "/api",
		http: &http.Client{Transport: rt, Timeout: DefaultRequestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the configuration the client was built from.
func (c *Client) Config() ClusterConfig { return c.cfg }

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return newAPIError(res.StatusCode, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(bytes.TrimSpace(body))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
	}
	return e
}

// GetClusterInfo reads /cluster. Both the bare object and one wrapped in a
// "cluster" member are accepted.
func (c *Client) GetClusterInfo(ctx context.Context) (*ClusterInfo, error) {
	var body struct {
		ClusterInfo
		Cluster *ClusterInfo `json:"cluster"`
	}
	if err := c.get(ctx, "/cluster", nil, &body); err != nil {
		return nil, err
	}
	if body.Cluster != nil {
		return body.Cluster, nil
	}
	return &body.ClusterInfo, nil
}

type records[T any] struct {
	Records []T `json:"records"`
}

func (c *Client) ListSVMs(ctx context.Context) ([]SVM, error) {
	var body records[SVM]
	if err := c.get(ctx, "/svm/svms", url.Values{"fields": {"uuid,name,state"}}, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}

func (c *Client) ListAggregates(ctx context.Context) ([]Aggregate, error) {
	var body records[Aggregate]
	if err := c.get(ctx, "/storage/aggregates", url.Values{"fields": {"uuid,name,state,space"}}, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}
