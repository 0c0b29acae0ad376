// Package client performs all outbound fetches against the cam site with a
// consistent browser identity, and classifies blocking responses into the
// shared error kinds instead of leaking raw status codes.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/streamerr"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	requestTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second
)

// Body markers the site serves with misleading status codes. The
// Cloudflare interstitial arrives as a 503, the age gate as a 200.
const (
	cloudflareMarker = "<title>Just a moment...</title>"
	ageGateMarker    = "Verify your age"
)

// Client is an HTTP client preconfigured to look like a desktop browser.
type Client struct {
	httpClient *http.Client
	domain     string
	userAgent  string
	cookies    string
	log        *slog.Logger
}

// New builds a Client from the network configuration. An empty user agent
// falls back to a desktop Chrome identity.
func New(cfg config.NetworkConfig, log *slog.Logger) *Client {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		domain:    cfg.NormalizedDomain(),
		userAgent: ua,
		cookies:   cfg.Cookies,
		log:       log,
	}
}

// newRequest builds a GET request carrying the full browser header set.
// Accept-Encoding stays unset so the transport negotiates gzip and
// transparently decompresses; the body marker checks need plain text.
func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Sec-Ch-Ua", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Sec-Fetch-User", "?1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.cookies != "" {
		req.Header.Set("Cookie", c.cookies)
	}
	return req, nil
}

// Get fetches url and returns the body as text. Blocking responses are
// classified: 403 means a private stream, 404 an unknown room, the
// Cloudflare and age gate markers their respective kinds, and any other
// non-2xx status a plain network error.
func (c *Client) Get(ctx context.Context, url string) (string, error) {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return "", streamerr.Wrap(streamerr.KindNetwork, url, err)
	}
	c.log.Debug("GET", slog.String("url", url))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", streamerr.Wrap(streamerr.KindNetwork, url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden:
		return "", streamerr.New(streamerr.KindPrivateStream, "")
	case http.StatusNotFound:
		return "", streamerr.New(streamerr.KindRoomNotFound, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", streamerr.Wrap(streamerr.KindNetwork, url, err)
	}
	text := string(body)

	// Marker checks come before the generic status check: the Cloudflare
	// challenge page is served with a 503.
	if strings.Contains(text, cloudflareMarker) {
		return "", streamerr.New(streamerr.KindCloudflareBlocked, "")
	}
	if strings.Contains(text, ageGateMarker) {
		return "", streamerr.New(streamerr.KindAgeVerification, "")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", streamerr.Wrap(streamerr.KindNetwork, url,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return text, nil
}

// GetBytes fetches url and returns the raw body, for media segments. Only
// the status code is checked; bodies are never inspected.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindNetwork, url, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindNetwork, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, streamerr.Wrap(streamerr.KindNetwork, url,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindNetwork, url, err)
	}
	return body, nil
}

// RoomPageURL returns the canonical page URL for a room.
func (c *Client) RoomPageURL(room string) string {
	return c.domain + room + "/"
}

// RoomPage fetches the HTML page of a room.
func (c *Client) RoomPage(ctx context.Context, room string) (string, error) {
	return c.Get(ctx, c.RoomPageURL(room))
}
