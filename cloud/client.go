// Package cloud is a thin client for the video service's REST API. Every
// authenticated call goes through the session manager and is retried once
// with a fresh token if the service answers 401.
package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jmcleod/cloudcam/transport"
)

const defaultOrigin = "https://cloud.reolink.com"

// Session is the part of *session.Manager the client depends on.
type Session interface {
	EnsureValidSession(ctx context.Context) error
	AccessToken() (string, bool)
	Reauthenticate(ctx context.Context, stale string) (string, error)
}

// Transport performs the HTTP round trips. *transport.Client satisfies it.
type Transport interface {
	Get(ctx context.Context, rawURL string, query url.Values, header http.Header) (*transport.Response, error)
	PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) (*transport.Response, error)
}

// Endpoints are the base URLs of the REST API. Videos and Devices must end
// in a slash.
type Endpoints struct {
	Videos  string
	Devices string
	// Origin is sent as Origin and Referer on authenticated calls.
	Origin string
}

// DefaultEndpoints returns the production URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Videos:  "https://apis.reolink.com/v2/videos/",
		Devices: "https://apis.reolink.com/v2/devices/",
		Origin:  defaultOrigin,
	}
}

// Client talks to the video service on behalf of one session.
type Client struct {
	session   Session
	tr        Transport
	endpoints Endpoints
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoints overrides the API URLs.
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) { c.endpoints = e }
}

// WithClock sets the time source used to stamp streams.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a Client that authenticates through session.
func New(session Session, tr Transport, opts ...Option) *Client {
	c := &Client{
		session:   session,
		tr:        tr,
		endpoints: DefaultEndpoints(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "cloud")
	return c
}

// ListVideos returns one page of videos created in [start, end], most
// recent first.
func (c *Client) ListVideos(ctx context.Context, start, end time.Time, page, count int) ([]Video, error) {
	query := url.Values{
		"start_at":  {strconv.FormatInt(start.UnixMilli(), 10)},
		"end_at":    {strconv.FormatInt(end.UnixMilli(), 10)},
		"data_type": {"create_at"},
		"page":      {strconv.Itoa(page)},
		"count":     {strconv.Itoa(count)},
	}
	resp, err := c.authorized(ctx, "list videos", func(h http.Header) (*transport.Response, error) {
		return c.tr.Get(ctx, c.endpoints.Videos, query, h)
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Items []Video `json:"items"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	if body.Items == nil {
		body.Items = []Video{}
	}
	return body.Items, nil
}

// DownloadURL resolves a short-lived download URL for videoID.
func (c *Client) DownloadURL(ctx context.Context, videoID string) (string, error) {
	target := c.endpoints.Videos + url.PathEscape(videoID) + "/url"
	query := url.Values{"type": {"download"}}
	resp, err := c.authorized(ctx, "download url", func(h http.Header) (*transport.Response, error) {
		return c.tr.Get(ctx, target, query, h)
	})
	if err != nil {
		return "", err
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("download url: %w", err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("download url for %s: %w", videoID, ErrNotFound)
	}
	return body.URL, nil
}

// Download fetches rawURL, typically a signed storage URL, without
// credentials.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.tr.Get(ctx, rawURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d: %w", resp.StatusCode, ErrNotFound)
	}
	return resp.Body, nil
}

// ListDevices returns the cameras on the account.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := c.authorized(ctx, "list devices", func(h http.Header) (*transport.Response, error) {
		return c.tr.Get(ctx, c.endpoints.Devices, nil, h)
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Items []Device `json:"items"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return body.Items, nil
}

// StartLivestream asks the service to start streaming deviceID.
func (c *Client) StartLivestream(ctx context.Context, deviceID string) (*Stream, error) {
	target := c.endpoints.Devices + url.PathEscape(deviceID) + "/livestream"
	resp, err := c.authorized(ctx, "start livestream", func(h http.Header) (*transport.Response, error) {
		return c.tr.PostForm(ctx, target, nil, h)
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, fmt.Errorf("start livestream: %w", err)
	}
	if body.URL == "" {
		return nil, fmt.Errorf("start livestream on %s: no playback url", deviceID)
	}
	c.logger.Info("livestream started", "device_id", deviceID, "stream_id", body.ID)
	return &Stream{DeviceID: deviceID, ID: body.ID, URL: body.URL, StartedAt: c.now()}, nil
}

// StopLivestream ends a stream started by StartLivestream.
func (c *Client) StopLivestream(ctx context.Context, deviceID, streamID string) error {
	target := c.endpoints.Devices + url.PathEscape(deviceID) + "/livestream/" + url.PathEscape(streamID) + "/stop"
	if _, err := c.authorized(ctx, "stop livestream", func(h http.Header) (*transport.Response, error) {
		return c.tr.PostForm(ctx, target, nil, h)
	}); err != nil {
		return err
	}
	c.logger.Info("livestream stopped", "device_id", deviceID, "stream_id", streamID)
	return nil
}

// authorized runs call with a bearer token. A 401 triggers exactly one
// re-login and retry; a second 401 yields ErrUnauthorized.
func (c *Client) authorized(ctx context.Context, op string, call func(http.Header) (*transport.Response, error)) (*transport.Response, error) {
	if err := c.session.EnsureValidSession(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	token, _ := c.session.AccessToken()

	resp, err := call(c.header(token))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Info("token refused, re-authenticating", "op", op)
		fresh, err := c.session.Reauthenticate(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%s: re-authenticating: %w", op, err)
		}
		resp, err = call(c.header(fresh))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
		}
	}
	if !resp.OK() {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func (c *Client) header(token string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Authorization", "Bearer "+token)
	h.Set("Origin", c.endpoints.Origin)
	h.Set("Referer", c.endpoints.Origin+"/")
	return h
}
