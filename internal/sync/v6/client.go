package v6

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
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

// Credentials builds the credentials sent with every request.
func (c Config) Credentials() wire.SiteCredentials {
	return wire.SiteCredentials{
		Username:       c.Username,
		PasswordSHA256: c.PasswordSHA256,
		HardwareID:     c.HardwareID,
		AppVersion:     wire.AppVersion,
		AppName:        wire.AppName,
		SyncVersion:    wire.SyncVersion,
	}
}

// Client calls a central server over the direct protocol. It also carries
// sync files for the files package.
type Client struct {
	base  *url.URL
	cfg   Config
	creds wire.SiteCredentials
	http  *http.Client
}

// NewClient validates the server URL and creates a client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse central url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("central url %q must be absolute", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		base:  base,
		cfg:   cfg,
		creds: cfg.Credentials(),
		http:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Pull fetches changelog rows after cursor.
func (c *Client) Pull(ctx context.Context, cursor uint64, batchSize uint32, isInitialised bool) (*Batch, error) {
	var out Batch
	req := PullRequest{Cursor: cursor, BatchSize: batchSize, Credentials: c.creds, IsInitialised: isInitialised}
	if err := c.call(ctx, RoutePull, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push sends a batch of this site's changelog.
func (c *Client) Push(ctx context.Context, batch Batch) (*PushResponse, error) {
	if batch.Records == nil {
		batch.Records = []wire.CursorRecord{}
	}
	var out PushResponse
	if err := c.call(ctx, RoutePush, PushRequest{Batch: batch, Credentials: c.creds}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SiteStatus asks whether central is still integrating this site.
func (c *Client) SiteStatus(ctx context.Context) (*SiteStatus, error) {
	var out SiteStatus
	if err := c.call(ctx, RouteSiteStatus, SiteStatusRequest{Credentials: c.creds}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends the file of ref as a multipart "file" part.
func (c *Client) Upload(ctx context.Context, ref *repo.SyncFileReference, body io.Reader) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", ref.FileName)
	if err != nil {
		return &Error{Kind: KindParsing, Err: err, Message: err.Error()}
	}
	if _, err := io.Copy(part, body); err != nil {
		return fmt.Errorf("failed to read sync file %s: %w", ref.ID, err)
	}
	if err := form.Close(); err != nil {
		return &Error{Kind: KindParsing, Err: err, Message: err.Error()}
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.fileURL(ref, nil), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindConnection, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	_, err = c.decode(resp, nil)
	return err
}

// Download fetches the file of ref. The caller closes the body.
func (c *Client) Download(ctx context.Context, ref *repo.SyncFileReference) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("table_name", ref.TableName)
	query.Set("record_id", ref.RecordID)

	req, err := c.newRequest(ctx, http.MethodGet, c.fileURL(ref, query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: err.Error(), Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	_, err = c.decode(resp, nil)
	return nil, err
}

func (c *Client) fileURL(ref *repo.SyncFileReference, query url.Values) string {
	u := c.base.JoinPath(RouteFiles, ref.ID)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: err.Error(), Err: err}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.PasswordSHA256)
	req.Header.Set(v5.HeaderSiteUUID, c.cfg.HardwareID)
	req.Header.Set(v5.HeaderAppVersion, wire.AppVersion)
	req.Header.Set(v5.HeaderAppName, wire.AppName)
	req.Header.Set(v5.HeaderSyncVersion, strconv.Itoa(wire.SyncVersion))
	return req, nil
}

func (c *Client) call(ctx context.Context, route string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindParsing, Message: err.Error(), Err: err}
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.base.JoinPath(route).String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindConnection, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	payload, err := c.decode(resp, out)
	if err != nil {
		return err
	}
	if out != nil && payload == nil {
		return &Error{Kind: KindParsing, Status: resp.StatusCode, Message: "response has no data"}
	}
	return nil
}

// decode reads an envelope. It returns the data payload, or the error the
// envelope or the status carries.
func (c *Client) decode(resp *http.Response, out any) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}

	var env envelope
	envErr := json.Unmarshal(body, &env)
	if envErr == nil && env.Error != nil {
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:    KindOtherServerError,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("%s: %s", http.StatusText(resp.StatusCode), strings.TrimSpace(string(body))),
		}
	}
	if out == nil {
		return nil, nil
	}
	if envErr != nil {
		return nil, &Error{Kind: KindParsing, Status: resp.StatusCode, Message: envErr.Error(), Err: envErr}
	}
	if len(env.Data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return nil, &Error{Kind: KindParsing, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}
	return env.Data, nil
}
