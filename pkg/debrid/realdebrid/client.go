// Package realdebrid implements the RealDebrid REST API: instant
// availability probes, the magnet-to-stream state machine, link
// unrestricting and personal torrent history.
package realdebrid

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

type ClientOptions struct {
	BaseURL  string
	Timeout  time.Duration
	CacheAge time.Duration
	// Download-status and link polling
	PollInterval time.Duration
	PollAttempts uint
	ExtraHeaders []string
}

var DefaultClientOpts = ClientOptions{
	BaseURL:      "https://api.real-debrid.com",
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
	// For API token validity
	tokenCache debrid.Cache
	// For info_hash instant availability
	availabilityCache debrid.Cache
	cacheAge          time.Duration
	pollInterval      time.Duration
	pollAttempts      uint
	extraHeaders      map[string]string
	logger            *zap.Logger
}

func NewClient(opts ClientOptions, tokenCache, availabilityCache debrid.Cache, logger *zap.Logger) (*Client, error) {
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
		tokenCache:        tokenCache,
		availabilityCache: availabilityCache,
		cacheAge:          opts.CacheAge,
		pollInterval:      opts.PollInterval,
		pollAttempts:      opts.PollAttempts,
		extraHeaders:      extraHeaderMap,
		logger:            logger,
	}, nil
}

func (c *Client) TestToken(ctx context.Context, apiToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	c.logger.Debug("Testing token...", zapFieldDebridSite)

	// Only valid tokens get cached. An invalid token can become valid within
	// the cache age (payment extends the premium status), so negative
	// outcomes aren't cached.
	created, found, err := c.tokenCache.Get(apiToken)
	if err != nil {
		c.logger.Error("Couldn't decode token cache item", zap.Error(err), zapFieldDebridSite)
	} else if found && time.Since(created) < c.cacheAge {
		c.logger.Debug("Token cached as valid", zapFieldDebridSite)
		return nil
	}

	resBytes, err := c.get(ctx, c.baseURL+"/rest/1.0/user", apiToken)
	if err != nil {
		return fmt.Errorf("couldn't fetch user info from real-debrid.com with the provided token: %w", err)
	}
	if !gjson.GetBytes(resBytes, "id").Exists() {
		return errors.New("couldn't parse user info response from real-debrid.com")
	}
	c.logger.Debug("Token OK", zapFieldDebridSite)

	if err = c.tokenCache.Set(apiToken); err != nil {
		c.logger.Error("Couldn't cache API token", zap.Error(err), zapFieldDebridSite)
	}
	return nil
}

// ProbeCached returns the subset of info hashes that RealDebrid reports as
// instantly available. Positive outcomes are cached; negative ones aren't,
// because availability appears over time.
func (c *Client) ProbeCached(ctx context.Context, apiToken string, infoHashes []string) []string {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	if len(infoHashes) == 0 {
		return nil
	}

	probeURL := c.baseURL + "/rest/1.0/torrents/instantAvailability"
	var result []string
	requestRequired := false
	for _, infoHash := range infoHashes {
		created, found, err := c.availabilityCache.Get(infoHash)
		if err != nil {
			c.logger.Error("Couldn't decode availability cache item", zap.Error(err), zap.String("infoHash", infoHash), zapFieldDebridSite)
		}
		if err == nil && found && time.Since(created) < c.cacheAge {
			result = append(result, infoHash)
			continue
		}
		requestRequired = true
		probeURL += "/" + infoHash
	}
	if !requestRequired {
		return result
	}

	resBytes, err := c.get(ctx, probeURL, apiToken)
	if err != nil {
		c.logger.Error("Couldn't check torrents' instant availability on real-debrid.com", zap.Error(err), zapFieldDebridSite)
		return result
	}
	// The response keys are the info hashes
	gjson.ParseBytes(resBytes).ForEach(func(key, value gjson.Result) bool {
		// A non-empty "rd" element means an instantly available file exists
		if len(value.Get("rd").Array()) > 0 {
			infoHash := strings.ToLower(key.String())
			result = append(result, infoHash)
			if err = c.availabilityCache.Set(infoHash); err != nil {
				c.logger.Error("Couldn't cache availability", zap.Error(err), zapFieldDebridSite)
			}
		}
		return true
	})
	return result
}

// ResolveMagnet runs the full add/select/poll/unrestrict machine and returns
// the final playable URL. When the magnet was claimed cached but turns out to
// be downloading, it returns debrid.ErrNotCached so the caller can evict the
// stale availability rows. On any failure the torrent is deleted best-effort.
func (c *Client) ResolveMagnet(ctx context.Context, apiToken, magnetURI string, opts debrid.MagnetOptions) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	c.logger.Debug("Adding torrent to RealDebrid...", zapFieldDebridSite)

	data := url.Values{}
	data.Set("magnet", magnetURI)
	resBytes, err := c.post(ctx, c.baseURL+"/rest/1.0/torrents/addMagnet", apiToken, data)
	if err != nil {
		return "", fmt.Errorf("couldn't add torrent to RealDebrid: %w", err)
	}
	torrentID := gjson.GetBytes(resBytes, "id").String()
	if torrentID == "" {
		return "", errors.New("couldn't add torrent to RealDebrid: response body doesn't contain \"id\" key")
	}
	infoURL := c.baseURL + "/rest/1.0/torrents/info/" + torrentID

	streamURL, err := c.resolveAdded(ctx, apiToken, infoURL, torrentID, opts)
	if err != nil {
		c.deleteTorrent(ctx, apiToken, torrentID)
		return "", err
	}
	return streamURL, nil
}

func (c *Client) resolveAdded(ctx context.Context, apiToken, infoURL, torrentID string, opts debrid.MagnetOptions) (string, error) {
	resBytes, err := c.get(ctx, infoURL, apiToken)
	if err != nil {
		return "", fmt.Errorf("couldn't get torrent info from real-debrid.com: %w", err)
	}
	status := gjson.GetBytes(resBytes, "status").String()
	if opts.ClaimedCached && (status == "downloading" || status == "queued") {
		return "", debrid.ErrNotCached
	}
	if err := badStatus(status); err != nil {
		return "", err
	}

	// Select all files so the links line up with the full file list
	data := url.Values{}
	data.Set("files", "all")
	if _, err = c.post(ctx, c.baseURL+"/rest/1.0/torrents/selectFiles/"+torrentID, apiToken, data); err != nil {
		return "", fmt.Errorf("couldn't select torrent files on real-debrid.com: %w", err)
	}

	// Poll the download status until it's terminal
	err = retry.Do(func() error {
		resBytes, err = c.get(ctx, infoURL, apiToken)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("couldn't get torrent info from real-debrid.com: %w", err))
		}
		status = gjson.GetBytes(resBytes, "status").String()
		if err := badStatus(status); err != nil {
			return retry.Unrecoverable(err)
		}
		if opts.ClaimedCached && (status == "downloading" || status == "queued") {
			return retry.Unrecoverable(debrid.ErrNotCached)
		}
		if status != "downloaded" && status != "finished" {
			return fmt.Errorf("torrent still %v on real-debrid.com", status)
		}
		return nil
	}, retry.Context(ctx), retry.Attempts(c.pollAttempts), retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return "", err
	}

	// The links can lag behind the terminal status, so they get their own poll
	var links []gjson.Result
	err = retry.Do(func() error {
		links = gjson.GetBytes(resBytes, "links").Array()
		if len(links) > 0 {
			return nil
		}
		resBytes, err = c.get(ctx, infoURL, apiToken)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("couldn't get torrent info from real-debrid.com: %w", err))
		}
		return errors.New("torrent downloaded but links not populated yet")
	}, retry.Context(ctx), retry.Attempts(c.pollAttempts), retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay), retry.LastErrorOnly(true))
	if err != nil {
		return "", err
	}

	link, err := chooseLink(resBytes, links, opts.Hint)
	if err != nil {
		return "", err
	}
	return c.unrestrict(ctx, apiToken, link, opts.RemoteTraffic)
}

// ResolveURL unrestricts a direct or history link.
func (c *Client) ResolveURL(ctx context.Context, apiToken, rawURL string) (string, error) {
	return c.unrestrict(ctx, apiToken, rawURL, false)
}

func (c *Client) unrestrict(ctx context.Context, apiToken, link string, remote bool) (string, error) {
	data := url.Values{}
	data.Set("link", link)
	if remote {
		data.Set("remote", "1")
	}
	resBytes, err := c.post(ctx, c.baseURL+"/rest/1.0/unrestrict/link", apiToken, data)
	if err != nil {
		return "", fmt.Errorf("couldn't unrestrict link: %w", err)
	}
	streamURL := gjson.GetBytes(resBytes, "download").String()
	if streamURL == "" {
		return "", errors.New("couldn't unrestrict link: response body doesn't contain \"download\" key")
	}
	c.logger.Debug("Unrestricted link", zap.String("debridSite", "RealDebrid"))
	return streamURL, nil
}

// PersonalFiles lists the user's downloaded torrents. The returned URLs are
// still restricted links; they go through ResolveURL on playback.
func (c *Client) PersonalFiles(ctx context.Context, apiToken string) ([]streams.PersonalFile, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/rest/1.0/torrents", apiToken)
	if err != nil {
		return nil, fmt.Errorf("couldn't get torrents from real-debrid.com: %w", err)
	}
	var files []streams.PersonalFile
	for _, torrent := range gjson.ParseBytes(resBytes).Array() {
		if torrent.Get("status").String() != "downloaded" {
			continue
		}
		links := torrent.Get("links").Array()
		if len(links) == 0 {
			continue
		}
		files = append(files, streams.PersonalFile{
			URL:       links[0].String(),
			InfoHash:  strings.ToLower(torrent.Get("hash").String()),
			FileName:  torrent.Get("filename").String(),
			SizeBytes: torrent.Get("bytes").Int(),
		})
	}
	return files, nil
}

func (c *Client) deleteTorrent(ctx context.Context, apiToken, torrentID string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/rest/1.0/torrents/delete/"+torrentID, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Couldn't delete torrent on real-debrid.com", zap.Error(err), zap.String("torrentID", torrentID))
		return
	}
	res.Body.Close()
}

func badStatus(status string) error {
	switch status {
	case "magnet_error", "error", "virus", "dead":
		return fmt.Errorf("bad torrent status: %v", status)
	}
	return nil
}

// chooseLink maps the wanted file to its link. The canonical mapping is
// links[i] ↔ allFiles[i]; selected-files indexing is the last resort.
func chooseLink(infoBytes []byte, links []gjson.Result, hint *streams.EpisodeHint) (string, error) {
	fileResults := gjson.GetBytes(infoBytes, "files").Array()
	if len(fileResults) == 0 {
		// No file list at all, best we can do is the first link
		return links[0].String(), nil
	}

	paths := make([]string, len(fileResults))
	sizes := make([]int64, len(fileResults))
	for i, res := range fileResults {
		paths[i] = res.Get("path").String()
		sizes[i] = res.Get("bytes").Int()
	}
	idx := selectIndex(fileResults, paths, sizes, hint)
	if idx < 0 {
		return "", errors.New("no file found in torrent")
	}

	// Per-file links property, when the API provides one
	if link := fileResults[idx].Get("link").String(); link != "" {
		return link, nil
	}
	// Index in all files
	if idx < len(links) {
		return links[idx].String(), nil
	}
	// Index among selected files
	selectedIdx := 0
	for i := 0; i < idx; i++ {
		if fileResults[i].Get("selected").Int() == 1 {
			selectedIdx++
		}
	}
	if selectedIdx < len(links) {
		return links[selectedIdx].String(), nil
	}
	return links[0].String(), nil
}

func selectIndex(fileResults []gjson.Result, paths []string, sizes []int64, hint *streams.EpisodeHint) int {
	if hint != nil && hint.FileID != "" {
		for i, res := range fileResults {
			if res.Get("id").String() == hint.FileID {
				return i
			}
		}
	}
	return debrid.SelectFile(paths, sizes, hint)
}

func (c *Client) get(ctx context.Context, rawURL, apiToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't create GET request: %w", err)
	}
	c.setHeaders(req, apiToken)

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

func (c *Client) post(ctx context.Context, rawURL, apiToken string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("couldn't create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req, apiToken)

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

func (c *Client) setHeaders(req *http.Request, apiToken string) {
	req.Header.Set("Authorization", "Bearer "+apiToken)
	for headerKey, headerVal := range c.extraHeaders {
		req.Header.Add(headerKey, headerVal)
	}
	// In case RD blocks requests based on User-Agent
	fakeVersion := strconv.Itoa(rand.Intn(10000))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0."+fakeVersion+".149 Safari/537.36")
}

// Different RealDebrid API POST endpoints return different status codes.
func checkResponse(res *http.Response, method, rawURL string) error {
	if res.StatusCode == http.StatusOK ||
		res.StatusCode == http.StatusCreated ||
		res.StatusCode == http.StatusNoContent {
		return nil
	}
	if res.StatusCode == http.StatusUnauthorized {
		return errors.New("invalid token")
	}
	if res.StatusCode == http.StatusForbidden {
		return errors.New("account locked")
	}
	resBody, _ := io.ReadAll(res.Body)
	if len(resBody) == 0 {
		return fmt.Errorf("bad HTTP response status: %v (%v request to '%v')", res.Status, method, rawURL)
	}
	return fmt.Errorf("bad HTTP response status: %v (%v request to '%v'; response body: '%s')", res.Status, method, rawURL, resBody)
}
