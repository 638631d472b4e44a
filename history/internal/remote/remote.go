// Package remote is a client for the watch-history API: a cursor-paginated
// history endpoint and a per-video detail endpoint, both authenticated with
// the caller's session cookie.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/viewtrail/horosafe"
)

const (
	historyPath = "/x/web-interface/history/cursor"
	detailPath  = "/x/web-interface/view"

	// codeNotLoggedIn is returned by the API when the cookie is missing or expired.
	codeNotLoggedIn = -101
)

// Config configures the client.
type Config struct {
	BaseURL   string        // Default: https://api.bilibili.com
	PageSize  int           // Default: 20.
	UserAgent string        // Browser user agent; the API rejects bare clients.
	Referer   string        // Default: https://www.bilibili.com/
	Timeout   time.Duration // HTTP timeout. Default: 15s.
	MaxBytes  int64         // Max response body. Default: horosafe.MaxResponseBody.
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.bilibili.com"
	}
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.Referer == "" {
		c.Referer = "https://www.bilibili.com/"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
}

// Client performs authenticated calls against the history API.
type Client struct {
	http   *http.Client
	config Config
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// Cursor identifies where the next history page starts.
type Cursor struct {
	Max      int64  `json:"max"`
	ViewAt   int64  `json:"view_at"`
	Business string `json:"business"`
	PageSize int    `json:"ps"`
}

// Event is one raw watch event from a history page.
type Event struct {
	Title      string `json:"title"`
	Cover      string `json:"cover"`
	AuthorName string `json:"author_name"`
	ViewAt     int64  `json:"view_at"`
	History    struct {
		OID      int64  `json:"oid"`
		BVID     string `json:"bvid"`
		Business string `json:"business"`
	} `json:"history"`
}

// Page is one page of history, newest first.
type Page struct {
	Cursor Cursor  `json:"cursor"`
	List   []Event `json:"list"`
}

// Owner is the uploader of a video.
type Owner struct {
	Name string `json:"name"`
}

// Detail is the metadata returned by the detail endpoint.
type Detail struct {
	Title   string `json:"title"`
	Desc    string `json:"desc"`
	TName   string `json:"tname"`
	Dynamic string `json:"dynamic"`
	Pic     string `json:"pic"`
	Owner   *Owner `json:"owner"`
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

// FetchPage fetches one history page. A nil cursor requests the newest page.
func (c *Client) FetchPage(ctx context.Context, cookie string, cur *Cursor) (*Page, error) {
	q := url.Values{}
	q.Set("ps", strconv.Itoa(c.config.PageSize))
	if cur != nil {
		q.Set("view_at", strconv.FormatInt(cur.ViewAt, 10))
		q.Set("business", cur.Business)
		if cur.Max > 0 {
			q.Set("max", strconv.FormatInt(cur.Max, 10))
		}
	}
	page, err := get[Page](ctx, c, cookie, historyPath, q)
	if err != nil {
		return nil, fmt.Errorf("remote: history page: %w", err)
	}
	if page == nil {
		return &Page{}, nil
	}
	return page, nil
}

// FetchDetail fetches video metadata by bvid.
func (c *Client) FetchDetail(ctx context.Context, cookie, bvid string) (*Detail, error) {
	if bvid == "" {
		return nil, ErrMissingID
	}
	q := url.Values{}
	q.Set("bvid", bvid)
	d, err := get[Detail](ctx, c, cookie, detailPath, q)
	if err != nil {
		return nil, fmt.Errorf("remote: detail %s: %w", bvid, err)
	}
	if d == nil {
		return nil, fmt.Errorf("remote: detail %s: %w", bvid, ErrEmptyData)
	}
	return d, nil
}

func get[T any](ctx context.Context, c *Client, cookie, path string, q url.Values) (*T, error) {
	u := c.config.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Referer", c.config.Referer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}
	body, err := horosafe.LimitedReadAll(resp.Body, c.config.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if env.Code == codeNotLoggedIn {
		return nil, ErrUnauthenticated
	}
	if env.Code != 0 {
		return nil, &APIError{Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}
