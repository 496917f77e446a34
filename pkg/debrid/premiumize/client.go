// Package premiumize implements the Premiumize.me API: cache checks, the
// directdl flow (Premiumize serves cached torrents without an explicit
// add/poll cycle) and the user's cloud items.
package premiumize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

type ClientOptions struct {
	BaseURL  string
	Timeout  time.Duration
	CacheAge time.Duration
	// Whether credentials are OAuth2 access tokens (sent as bearer) instead
	// of API keys (sent as query parameter)
	UseOAUTH2 bool
	// Forward the requesting client's IP on directdl, so Premiumize serves
	// from a close CDN node
	ForwardOriginIP bool
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://www.premiumize.me/api",
	Timeout:  5 * time.Second,
	CacheAge: 24 * time.Hour,
}

var _ debrid.MagnetResolver = (*Client)(nil)
var _ debrid.URLResolver = (*Client)(nil)
var _ debrid.CacheProber = (*Client)(nil)
var _ debrid.PersonalFiler = (*Client)(nil)

type Client struct {
	baseURL string
	// Base transport; OAuth2 clients are derived per credential
	httpClient *http.Client
	// For API key validity
	apiKeyCache debrid.Cache
	// For info_hash instant availability
	availabilityCache debrid.Cache
	cacheAge          time.Duration
	useOAUTH2         bool
	forwardOriginIP   bool
	logger            *zap.Logger
}

func NewClient(opts ClientOptions, apiKeyCache, availabilityCache debrid.Cache, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	return &Client{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		apiKeyCache:       apiKeyCache,
		availabilityCache: availabilityCache,
		cacheAge:          opts.CacheAge,
		useOAUTH2:         opts.UseOAUTH2,
		forwardOriginIP:   opts.ForwardOriginIP,
		logger:            logger,
	}, nil
}

// clientFor returns the HTTP client to use for a credential. In OAuth2 mode
// the token travels as a bearer header via the oauth2 transport; in API-key
// mode the key travels as a query parameter instead.
func (c *Client) clientFor(ctx context.Context, keyOrToken string) *http.Client {
	if !c.useOAUTH2 {
		return c.httpClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: keyOrToken}))
}

func (c *Client) TestAPIkey(ctx context.Context, keyOrToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	c.logger.Debug("Testing API key...", zapFieldDebridSite)

	// Only valid keys get cached, see the RealDebrid client for the reasoning
	created, found, err := c.apiKeyCache.Get(keyOrToken)
	if err != nil {
		c.logger.Error("Couldn't decode API key cache item", zap.Error(err), zapFieldDebridSite)
	} else if found && time.Since(created) < c.cacheAge {
		c.logger.Debug("API key cached as valid", zapFieldDebridSite)
		return nil
	}

	resBytes, err := c.get(ctx, c.baseURL+"/account/info", keyOrToken)
	if err != nil {
		return fmt.Errorf("couldn't fetch user info from www.premiumize.me with the provided API key: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return err
	}
	c.logger.Debug("API key OK", zapFieldDebridSite)

	if err = c.apiKeyCache.Set(keyOrToken); err != nil {
		c.logger.Error("Couldn't cache API key", zap.Error(err), zapFieldDebridSite)
	}
	return nil
}

// ProbeCached returns the subset of info hashes Premiumize reports as cached.
// The response is a positional bool array matching the request order.
func (c *Client) ProbeCached(ctx context.Context, keyOrToken string, infoHashes []string) []string {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	if len(infoHashes) == 0 {
		return nil
	}

	var result []string
	var unknown []string
	for _, infoHash := range infoHashes {
		created, found, err := c.availabilityCache.Get(infoHash)
		if err != nil {
			c.logger.Error("Couldn't decode availability cache item", zap.Error(err), zap.String("infoHash", infoHash), zapFieldDebridSite)
		}
		if err == nil && found && time.Since(created) < c.cacheAge {
			result = append(result, infoHash)
			continue
		}
		unknown = append(unknown, infoHash)
	}
	if len(unknown) == 0 {
		return result
	}

	resBytes, err := c.post(ctx, c.baseURL+"/cache/check", keyOrToken, url.Values{"items[]": unknown})
	if err != nil {
		c.logger.Error("Couldn't check torrents' instant availability on www.premiumize.me", zap.Error(err), zapFieldDebridSite)
		return result
	}
	if err := apiError(resBytes); err != nil {
		c.logger.Error("Got error response from www.premiumize.me", zap.Error(err), zapFieldDebridSite)
		return result
	}
	for i, boolItem := range gjson.GetBytes(resBytes, "response").Array() {
		if !boolItem.Bool() || i >= len(unknown) {
			continue
		}
		infoHash := strings.ToLower(unknown[i])
		result = append(result, infoHash)
		if err = c.availabilityCache.Set(infoHash); err != nil {
			c.logger.Error("Couldn't cache availability", zap.Error(err), zapFieldDebridSite)
		}
	}
	return result
}

// ResolveMagnet asks for a direct download of the magnet. Premiumize answers
// immediately for cached torrents; a "not cached" style error combined with a
// cache claim yields debrid.ErrNotCached.
func (c *Client) ResolveMagnet(ctx context.Context, keyOrToken, magnetURI string, opts debrid.MagnetOptions) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	c.logger.Debug("Requesting direct download from Premiumize...", zapFieldDebridSite)

	data := url.Values{}
	data.Set("src", magnetURI)
	// Premiumize asks for the original IP only on directdl requests
	if c.forwardOriginIP {
		if ip, ok := OriginIPFromContext(ctx); ok {
			data.Set("download_ip", ip)
		}
	}
	resBytes, err := c.post(ctx, c.baseURL+"/transfer/directdl", keyOrToken, data)
	if err != nil {
		return "", fmt.Errorf("couldn't request direct download from Premiumize: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		if opts.ClaimedCached && strings.Contains(strings.ToLower(err.Error()), "not") {
			return "", debrid.ErrNotCached
		}
		return "", err
	}

	contents := gjson.GetBytes(resBytes, "content").Array()
	if len(contents) == 0 {
		if opts.ClaimedCached {
			return "", debrid.ErrNotCached
		}
		return "", errors.New("empty content list in directdl response from www.premiumize.me")
	}

	paths := make([]string, len(contents))
	sizes := make([]int64, len(contents))
	for i, item := range contents {
		paths[i] = item.Get("path").String()
		sizes[i] = item.Get("size").Int()
	}
	idx := debrid.SelectFile(paths, sizes, opts.Hint)
	if idx < 0 {
		return "", errors.New("no file found in directdl response")
	}
	if streamLink := contents[idx].Get("stream_link").String(); streamLink != "" {
		return streamLink, nil
	}
	link := contents[idx].Get("link").String()
	if link == "" {
		return "", errors.New("directdl content item carries no link")
	}
	return link, nil
}

// ResolveURL runs a hoster URL through directdl.
func (c *Client) ResolveURL(ctx context.Context, keyOrToken, rawURL string) (string, error) {
	data := url.Values{}
	data.Set("src", rawURL)
	resBytes, err := c.post(ctx, c.baseURL+"/transfer/directdl", keyOrToken, data)
	if err != nil {
		return "", fmt.Errorf("couldn't request direct download from Premiumize: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return "", err
	}
	contents := gjson.GetBytes(resBytes, "content").Array()
	if len(contents) == 0 {
		return "", errors.New("empty content list in directdl response from www.premiumize.me")
	}
	if streamLink := contents[0].Get("stream_link").String(); streamLink != "" {
		return streamLink, nil
	}
	return contents[0].Get("link").String(), nil
}

// PersonalFiles lists the user's cloud files. Premiumize links are already
// playable, no second resolution stage needed.
func (c *Client) PersonalFiles(ctx context.Context, keyOrToken string) ([]streams.PersonalFile, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/item/listall", keyOrToken)
	if err != nil {
		return nil, fmt.Errorf("couldn't list cloud items on www.premiumize.me: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return nil, err
	}
	var files []streams.PersonalFile
	for _, item := range gjson.GetBytes(resBytes, "files").Array() {
		name := item.Get("name").String()
		if !debrid.IsVideo(name) {
			continue
		}
		files = append(files, streams.PersonalFile{
			URL:       item.Get("link").String(),
			FileName:  name,
			SizeBytes: item.Get("size").Int(),
		})
	}
	return files, nil
}

type originIPKey struct{}

// WithOriginIP attaches the requesting client's IP for directdl forwarding.
func WithOriginIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, originIPKey{}, ip)
}

func OriginIPFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(originIPKey{}).(string)
	return ip, ok && ip != ""
}

func apiError(resBytes []byte) error {
	if gjson.GetBytes(resBytes, "status").String() == "success" {
		return nil
	}
	return fmt.Errorf("got error response from www.premiumize.me: %v", gjson.GetBytes(resBytes, "message").String())
}

func (c *Client) get(ctx context.Context, rawURL, keyOrToken string) ([]byte, error) {
	if !c.useOAUTH2 {
		if strings.Contains(rawURL, "?") {
			rawURL += "&apikey=" + keyOrToken
		} else {
			rawURL += "?apikey=" + keyOrToken
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't create GET request: %w", err)
	}
	res, err := c.clientFor(ctx, keyOrToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("couldn't send GET request: %w", err)
	}
	defer res.Body.Close()
	if err := checkResponse(res, "GET", rawURL); err != nil {
		return nil, err
	}
	return io.ReadAll(res.Body)
}

func (c *Client) post(ctx context.Context, rawURL, keyOrToken string, data url.Values) ([]byte, error) {
	if !c.useOAUTH2 {
		rawURL += "?apikey=" + keyOrToken
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("couldn't create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := c.clientFor(ctx, keyOrToken).Do(req)
	if err != nil {
		return nil, fmt.Errorf("couldn't send POST request: %w", err)
	}
	defer res.Body.Close()
	if err := checkResponse(res, "POST", rawURL); err != nil {
		return nil, err
	}
	return io.ReadAll(res.Body)
}

func checkResponse(res *http.Response, method, rawURL string) error {
	if res.StatusCode == http.StatusOK {
		return nil
	}
	resBody, _ := io.ReadAll(res.Body)
	if len(resBody) == 0 {
		return fmt.Errorf("bad HTTP response status: %v (%v request to '%v')", res.Status, method, rawURL)
	}
	return fmt.Errorf("bad HTTP response status: %v (%v request to '%v'; response body: '%s')", res.Status, method, rawURL, resBody)
}
