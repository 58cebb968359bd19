package v5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// DefaultTimeout bounds every request when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Config holds the site credentials and the central server address.
type Config struct {
	URL            string
	Username       string
	PasswordSHA256 string
	HardwareID     string
	Timeout        time.Duration
}

// Client calls a central server over the legacy protocol.
type Client struct {
	base *url.URL
	cfg  Config
	http *http.Client
}

// NewClient validates the server URL and creates a client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sync url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("sync url %q must be absolute", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// GetCentralRecords pulls central records after cursor.
func (c *Client) GetCentralRecords(ctx context.Context, cursor uint64, limit uint32) (*CentralBatch, error) {
	query := url.Values{}
	query.Set("cursor", strconv.FormatUint(cursor, 10))
	query.Set("limit", strconv.FormatUint(uint64(limit), 10))

	var out CentralBatch
	if err := c.do(ctx, http.MethodGet, RouteCentralRecords, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostQueuedRecords pushes a batch of local records. queueLength is the
// number of records left after this batch; zero makes central integrate.
func (c *Client) PostQueuedRecords(ctx context.Context, queueLength uint64, records []wire.RemoteRecord) (*PushResponse, error) {
	if records == nil {
		records = []wire.RemoteRecord{}
	}
	var out PushResponse
	body := RemoteBatch{QueueLength: queueLength, Data: records}
	if err := c.do(ctx, http.MethodPost, RouteQueuedRecords, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQueuedRecords pulls records central queued for this site.
func (c *Client) GetQueuedRecords(ctx context.Context, limit uint32) (*RemoteBatch, error) {
	query := url.Values{}
	query.Set("limit", strconv.FormatUint(uint64(limit), 10))

	var out RemoteBatch
	if err := c.do(ctx, http.MethodGet, RouteQueuedRecords, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostAcknowledgedRecords removes integrated records from the site queue.
func (c *Client) PostAcknowledgedRecords(ctx context.Context, syncIDs []string) error {
	return c.do(ctx, http.MethodPost, RouteAcknowledgedRecords, nil, AcknowledgeRequest{SyncIDs: syncIDs}, nil)
}

func (c *Client) do(ctx context.Context, method, route string, query url.Values, body, out any) error {
	u := c.base.JoinPath(route)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindParsing, Route: route, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &Error{Kind: KindConnection, Route: route, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.PasswordSHA256)
	req.Header.Set(HeaderSiteUUID, c.cfg.HardwareID)
	req.Header.Set(HeaderAppVersion, wire.AppVersion)
	req.Header.Set(HeaderAppName, wire.AppName)
	req.Header.Set(HeaderSyncVersion, strconv.Itoa(wire.SyncVersion))

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindConnection, Route: route, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindConnection, Route: route, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var serverErr ServerError
		if err := json.Unmarshal(data, &serverErr); err != nil || serverErr.Code == "" {
			serverErr = ServerError{
				Code:    http.StatusText(resp.StatusCode),
				Message: strings.TrimSpace(string(data)),
			}
		}
		return &Error{Kind: KindServer, Route: route, Status: resp.StatusCode, Server: &serverErr}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindParsing, Route: route, Status: resp.StatusCode, Err: err}
	}
	return nil
}
