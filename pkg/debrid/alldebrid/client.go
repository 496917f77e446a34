// Package alldebrid implements the AllDebrid v4 API: instant availability
// probes, magnet upload and status polling, link unlocking and the user's
// magnet history.
package alldebrid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

// The agent identifies this application to the AllDebrid API, which requires
// one on every call.
const agent = "streamrake"

type ClientOptions struct {
	BaseURL      string
	Timeout      time.Duration
	CacheAge     time.Duration
	PollInterval time.Duration
	PollAttempts uint
	ExtraHeaders []string
}

var DefaultClientOpts = ClientOptions{
	BaseURL:      "https://api.alldebrid.com",
	Timeout:      5 * time.Second,
	CacheAge:     24 * time.Hour,
	PollInterval: time.Second,
	PollAttempts: 5,
}

var _ debrid.MagnetResolver = (*Client)(nil)
var _ debrid.URLResolver = (*Client)(nil)
var _ debrid.CacheProber = (*Client)(nil)
var _ debrid.PersonalFiler = (*Client)(nil)

type Client struct {
	baseURL    string
	httpClient *http.Client
	// For API key validity
	apiKeyCache debrid.Cache
	// For info_hash instant availability
	availabilityCache debrid.Cache
	cacheAge          time.Duration
	pollInterval      time.Duration
	pollAttempts      uint
	extraHeaders      map[string]string
	logger            *zap.Logger
}

func NewClient(opts ClientOptions, apiKeyCache, availabilityCache debrid.Cache, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	extraHeaderMap := make(map[string]string, len(opts.ExtraHeaders))
	for _, extraHeader := range opts.ExtraHeaders {
		if extraHeader == "" {
			continue
		}
		colonIndex := strings.Index(extraHeader, ":")
		if colonIndex <= 0 || colonIndex == len(extraHeader)-1 {
			return nil, errors.New("opts.ExtraHeaders elements must have a format like \"X-Foo: bar\"")
		}
		extraHeaderParts := strings.SplitN(extraHeader, ":", 2)
		extraHeaderMap[extraHeaderParts[0]] = strings.TrimSpace(extraHeaderParts[1])
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultClientOpts.PollInterval
	}
	if opts.PollAttempts == 0 {
		opts.PollAttempts = DefaultClientOpts.PollAttempts
	}

	return &Client{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		apiKeyCache:       apiKeyCache,
		availabilityCache: availabilityCache,
		cacheAge:          opts.CacheAge,
		pollInterval:      opts.PollInterval,
		pollAttempts:      opts.PollAttempts,
		extraHeaders:      extraHeaderMap,
		logger:            logger,
	}, nil
}

func (c *Client) TestAPIkey(ctx context.Context, apiKey string) error {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
	c.logger.Debug("Testing API key...", zapFieldDebridSite)

	// Only valid keys get cached, see the RealDebrid client for the reasoning
	created, found, err := c.apiKeyCache.Get(apiKey)
	if err != nil {
		c.logger.Error("Couldn't decode API key cache item", zap.Error(err), zapFieldDebridSite)
	} else if found && time.Since(created) < c.cacheAge {
		c.logger.Debug("API key cached as valid", zapFieldDebridSite)
		return nil
	}

	resBytes, err := c.get(ctx, c.baseURL+"/v4/user", apiKey)
	if err != nil {
		return fmt.Errorf("couldn't fetch user info from api.alldebrid.com with the provided API key: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return err
	}
	c.logger.Debug("API key OK", zapFieldDebridSite)

	if err = c.apiKeyCache.Set(apiKey); err != nil {
		c.logger.Error("Couldn't cache API key", zap.Error(err), zapFieldDebridSite)
	}
	return nil
}

// ProbeCached returns the subset of info hashes AllDebrid reports as
// instantly available. Negative outcomes aren't cached.
func (c *Client) ProbeCached(ctx context.Context, apiKey string, infoHashes []string) []string {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
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

	resBytes, err := c.post(ctx, c.baseURL+"/v4/magnet/instant", apiKey, url.Values{"magnets[]": unknown})
	if err != nil {
		c.logger.Error("Couldn't check torrents' instant availability on api.alldebrid.com", zap.Error(err), zapFieldDebridSite)
		return result
	}
	if err := apiError(resBytes); err != nil {
		c.logger.Error("Got error response from api.alldebrid.com", zap.Error(err), zapFieldDebridSite)
		return result
	}
	for _, magnet := range gjson.GetBytes(resBytes, "data.magnets").Array() {
		if !magnet.Get("instant").Bool() {
			continue
		}
		infoHash := strings.ToLower(magnet.Get("hash").String())
		result = append(result, infoHash)
		if err = c.availabilityCache.Set(infoHash); err != nil {
			c.logger.Error("Couldn't cache availability", zap.Error(err), zapFieldDebridSite)
		}
	}
	return result
}

// ResolveMagnet uploads the magnet, polls its status until it's ready, picks
// the wanted file's link and unlocks it. A still-downloading magnet that was
// claimed cached yields debrid.ErrNotCached.
func (c *Client) ResolveMagnet(ctx context.Context, apiKey, magnetURI string, opts debrid.MagnetOptions) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
	c.logger.Debug("Adding magnet to AllDebrid...", zapFieldDebridSite)

	data := url.Values{}
	data.Set("magnets[]", magnetURI)
	resBytes, err := c.post(ctx, c.baseURL+"/v4/magnet/upload", apiKey, data)
	if err != nil {
		return "", fmt.Errorf("couldn't add magnet to AllDebrid: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return "", err
	}
	magnetID := gjson.GetBytes(resBytes, "data.magnets.0.id").String()
	if magnetID == "" {
		return "", errors.New("couldn't determine magnet ID in upload response from api.alldebrid.com")
	}

	streamURL, err := c.resolveUploaded(ctx, apiKey, magnetID, opts)
	if err != nil {
		c.deleteMagnet(ctx, apiKey, magnetID)
		return "", err
	}
	return streamURL, nil
}

func (c *Client) resolveUploaded(ctx context.Context, apiKey, magnetID string, opts debrid.MagnetOptions) (string, error) {
	statusURL := c.baseURL + "/v4/magnet/status?id=" + magnetID

	var links []gjson.Result
	first := true
	err := retry.Do(func() error {
		resBytes, err := c.get(ctx, statusURL, apiKey)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("couldn't get magnet status from api.alldebrid.com: %w", err))
		}
		if err := apiError(resBytes); err != nil {
			return retry.Unrecoverable(err)
		}
		magnet := gjson.GetBytes(resBytes, "data.magnets")
		// Status codes: 0-3 processing/downloading, 4 ready, >4 error
		statusCode := magnet.Get("statusCode").Int()
		if statusCode > 4 {
			return retry.Unrecoverable(fmt.Errorf("bad magnet status: %v", magnet.Get("status").String()))
		}
		if statusCode < 4 {
			if first && opts.ClaimedCached {
				return retry.Unrecoverable(debrid.ErrNotCached)
			}
			first = false
			return fmt.Errorf("magnet still %v on api.alldebrid.com", magnet.Get("status").String())
		}
		links = magnet.Get("links").Array()
		if len(links) == 0 {
			return errors.New("magnet ready but links not populated yet")
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(c.pollAttempts), retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return "", err
	}

	link := chooseLink(links, opts.Hint)
	if link == "" {
		return "", errors.New("no suitable link found in magnet status")
	}
	return c.unlock(ctx, apiKey, link)
}

// ResolveURL unlocks a hoster or history link.
func (c *Client) ResolveURL(ctx context.Context, apiKey, rawURL string) (string, error) {
	return c.unlock(ctx, apiKey, rawURL)
}

func (c *Client) unlock(ctx context.Context, apiKey, link string) (string, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/v4/link/unlock?link="+url.QueryEscape(link), apiKey)
	if err != nil {
		return "", fmt.Errorf("couldn't unlock link: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return "", err
	}
	streamURL := gjson.GetBytes(resBytes, "data.link").String()
	if streamURL == "" {
		return "", errors.New("couldn't unlock link: response body doesn't contain \"data.link\" key")
	}
	return streamURL, nil
}

// PersonalFiles lists the user's ready magnets. URLs are locked links that go
// through ResolveURL on playback.
func (c *Client) PersonalFiles(ctx context.Context, apiKey string) ([]streams.PersonalFile, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/v4/magnet/status", apiKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't get magnets from api.alldebrid.com: %w", err)
	}
	if err := apiError(resBytes); err != nil {
		return nil, err
	}
	var files []streams.PersonalFile
	for _, magnet := range gjson.GetBytes(resBytes, "data.magnets").Array() {
		if magnet.Get("statusCode").Int() != 4 {
			continue
		}
		links := magnet.Get("links").Array()
		if len(links) == 0 {
			continue
		}
		files = append(files, streams.PersonalFile{
			URL:       links[0].Get("link").String(),
			InfoHash:  strings.ToLower(magnet.Get("hash").String()),
			FileName:  magnet.Get("filename").String(),
			SizeBytes: magnet.Get("size").Int(),
		})
	}
	return files, nil
}

func (c *Client) deleteMagnet(ctx context.Context, apiKey, magnetID string) {
	if _, err := c.get(ctx, c.baseURL+"/v4/magnet/delete?id="+magnetID, apiKey); err != nil {
		c.logger.Warn("Couldn't delete magnet on api.alldebrid.com", zap.Error(err), zap.String("magnetID", magnetID))
	}
}

// chooseLink prefers the hinted episode's file, then the largest one.
func chooseLink(linkResults []gjson.Result, hint *streams.EpisodeHint) string {
	if hint != nil {
		for _, res := range linkResults {
			if debrid.MatchesEpisode(res.Get("filename").String(), hint) {
				return res.Get("link").String()
			}
		}
	}
	var link string
	var size int64
	for _, res := range linkResults {
		if res.Get("size").Int() > size {
			size = res.Get("size").Int()
			link = res.Get("link").String()
		}
	}
	return link
}

func apiError(resBytes []byte) error {
	if gjson.GetBytes(resBytes, "status").String() == "success" {
		return nil
	}
	return fmt.Errorf("got error response from api.alldebrid.com: %v", gjson.GetBytes(resBytes, "error.message").String())
}

func (c *Client) get(ctx context.Context, rawURL, apiKey string) ([]byte, error) {
	if strings.Contains(rawURL, "?") {
		rawURL += "&agent=" + agent + "&apikey=" + apiKey
	} else {
		rawURL += "?agent=" + agent + "&apikey=" + apiKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't create GET request: %w", err)
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couldn't send GET request: %w", err)
	}
	defer res.Body.Close()
	if err := checkResponse(res, "GET", rawURL); err != nil {
		return nil, err
	}
	return io.ReadAll(res.Body)
}

func (c *Client) post(ctx context.Context, rawURL, apiKey string, data url.Values) ([]byte, error) {
	rawURL += "?agent=" + agent + "&apikey=" + apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("couldn't create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couldn't send POST request: %w", err)
	}
	defer res.Body.Close()
	if err := checkResponse(res, "POST", rawURL); err != nil {
		return nil, err
	}
	return io.ReadAll(res.Body)
}

func (c *Client) setHeaders(req *http.Request) {
	for headerKey, headerVal := range c.extraHeaders {
		req.Header.Add(headerKey, headerVal)
	}
	// In case AD blocks requests based on User-Agent
	fakeVersion := strconv.Itoa(rand.Intn(10000))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0."+fakeVersion+".149 Safari/537.36")
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
