package api

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

	"github.com/google/uuid"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/model"
)

const maxErrorBody = 512

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Body)
}

// Client talks to the marketplace REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens auth.TokenProvider
}

func NewClient(baseURL string, tokens auth.TokenProvider, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, http: httpClient, tokens: tokens}, nil
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// SocketBase returns the websocket root matching the API host: http maps
// to ws and https to wss.
func (c *Client) SocketBase() string {
	u := *c.base
	u.Path = ""
	u.RawQuery = ""
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// ChatHistory returns the messages of an application in server order.
func (c *Client) ChatHistory(ctx context.Context, applicationID int64) ([]model.HistoryItem, error) {
	q := url.Values{}
	q.Set("application_id", strconv.FormatInt(applicationID, 10))

	var items []model.HistoryItem
	if err := c.do(ctx, http.MethodGet, "/chat/by_application/", q, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) MarkChatRead(ctx context.Context, messageIDs []int64) error {
	body := model.MarkReadRequest{MessageIDs: messageIDs}
	if body.MessageIDs == nil {
		body.MessageIDs = []int64{}
	}
	return c.do(ctx, http.MethodPost, "/chat/mark_read/", nil, body, nil)
}

// Notifications returns the first page of the notification feed.
func (c *Client) Notifications(ctx context.Context) (*model.NotificationPage, error) {
	var page model.NotificationPage
	if err := c.do(ctx, http.MethodGet, "/notifications/", nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read/", nil, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/notifications/read_all/", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	// JoinPath cleans the trailing slash the API relies on.
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok, err := c.tokens.AccessToken(ctx); err == nil {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
