// Package archive uploads mirrored artifacts to archive.org.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/imroc/req"
	"github.com/tidwall/gjson"
)

var (
	ErrOverloaded = errors.New("archive.org is overloaded")
	ErrNoAccess   = errors.New("archive.org credentials not configured")
)

// Item is one upload: a file and the metadata of the item it belongs to
type Item struct {
	ID       string
	Filename string
	// Path is the local file to upload
	Path string
	// Meta holds x-archive-meta values, several values per key are allowed
	Meta map[string][]string
}

// Client is an archive.org client
type Client struct {
	r        *req.Req
	endpoint string
	s3       string
	access   string
	secret   string
	log      *log.Logger
}

// NewClient creates a client. endpoint serves searches, s3 serves uploads.
func NewClient(endpoint, s3, access, secret string, hc *http.Client, logger *log.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := req.New()
	r.SetClient(hc)
	return &Client{
		r:        r,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		s3:       strings.TrimSuffix(s3, "/"),
		access:   access,
		secret:   secret,
		log:      logger,
	}
}

// Check asks the S3 endpoint whether uploads to bucket are currently accepted
func (c *Client) Check(ctx context.Context, bucket string) error {
	resp, err := c.r.Get(c.s3+"/", req.QueryParam{
		"check_limit": "1",
		"accesskey":   c.access,
		"bucket":      bucket,
	}, ctx)
	if err != nil {
		return fmt.Errorf("failed to check archive.org limits: %w", err)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to read limit check: %w", err)
	}
	code := resp.Response().StatusCode
	if code == http.StatusServiceUnavailable {
		return ErrOverloaded
	}
	if code != http.StatusOK {
		return fmt.Errorf("limit check returned status %d", code)
	}
	if gjson.GetBytes(body, "over_limit").Int() != 0 {
		return ErrOverloaded
	}
	return nil
}

// Exists reports whether an item with id is already archived
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := c.r.Get(c.endpoint+"/advancedsearch.php", req.QueryParam{
		"q":      "identifier:" + id,
		"fl[]":   "identifier",
		"rows":   "1",
		"output": "json",
	}, ctx)
	if err != nil {
		return false, fmt.Errorf("failed to search archive.org: %w", err)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return false, fmt.Errorf("failed to read search result: %w", err)
	}
	if code := resp.Response().StatusCode; code != http.StatusOK {
		return false, fmt.Errorf("search returned status %d", code)
	}
	return gjson.GetBytes(body, "response.numFound").Int() > 0, nil
}

// Upload PUTs item.Path as <s3>/<id>/<filename>, creating the item if needed
func (c *Client) Upload(ctx context.Context, item Item) error {
	if c.access == "" || c.secret == "" {
		return ErrNoAccess
	}
	f, err := os.Open(item.Path)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat upload: %w", err)
	}

	h := req.Header{
		"Authorization":          fmt.Sprintf("LOW %s:%s", c.access, c.secret),
		"x-amz-auto-make-bucket": "1",
		"x-archive-size-hint":    strconv.FormatInt(info.Size(), 10),
	}
	for k, v := range metaHeaders(item.Meta) {
		h[k] = v
	}

	target := c.s3 + "/" + item.ID + "/" + url.PathEscape(item.Filename)
	c.log.Debug("Uploading to archive.org", "item", item.ID, "file", item.Filename, "size", info.Size())
	resp, err := c.r.Put(target, h, io.Reader(f), ctx)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", item.ID, err)
	}
	code := resp.Response().StatusCode
	if code == http.StatusServiceUnavailable {
		return ErrOverloaded
	}
	if code != http.StatusOK {
		body, _ := resp.ToString()
		return fmt.Errorf("upload of %s returned status %d: %s", item.ID, code, body)
	}
	return nil
}

// metaHeaders turns metadata into x-archive-meta headers; repeated values are numbered
func metaHeaders(meta map[string][]string) map[string]string {
	h := make(map[string]string)
	for k, values := range meta {
		switch len(values) {
		case 0:
		case 1:
			h["x-archive-meta-"+k] = headerValue(values[0])
		default:
			for i, v := range values {
				h[fmt.Sprintf("x-archive-meta%02d-%s", i, k)] = headerValue(v)
			}
		}
	}
	return h
}

// headerValue wraps values that are not plain ASCII in uri() as archive.org expects
func headerValue(v string) string {
	for _, r := range v {
		if r > unicode.MaxASCII || r == '\n' || r == '\r' {
			return "uri(" + url.PathEscape(v) + ")"
		}
	}
	return v
}
