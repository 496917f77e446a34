package provider

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/streams"
)

type NewshostOptions struct {
	BaseURL string
	Timeout time.Duration
	// Download-task polling
	PollInterval time.Duration
	PollAttempts int
}

func NewNewshostOpts(baseURL string, timeout time.Duration) NewshostOptions {
	return NewshostOptions{
		BaseURL: baseURL,
		Timeout: timeout,
	}
}

var DefaultNewshostOpts = NewshostOptions{
	BaseURL:      "https://newshost.example",
	Timeout:      3 * time.Second,
	PollInterval: time.Second,
	PollAttempts: 30,
}

var (
	_ Adapter            = (*newshost)(nil)
	_ debrid.URLResolver = (*newshost)(nil)
)

// newshost is a Usenet indexer. Search yields NZB descriptor URLs, which are
// safe to cache because they address the release, not a download session.
// ResolveURL submits the NZB to the user's fetch queue and polls until the
// download is ready, then returns the largest video file's link.
type newshost struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	pollAttempts int
	logger       *zap.Logger
}

func NewNewshost(opts NewshostOptions, logger *zap.Logger) *newshost {
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultNewshostOpts.PollInterval
	}
	if opts.PollAttempts == 0 {
		opts.PollAttempts = DefaultNewshostOpts.PollAttempts
	}
	return &newshost{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		pollInterval: opts.PollInterval,
		pollAttempts: opts.PollAttempts,
		logger:       logger,
	}
}

func (c *newshost) Name() string {
	return "newshost"
}

func (c *newshost) Search(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error) {
	apikey := cfg.Credential("newshost")
	if apikey == "" {
		return nil, errors.New("no newshost API key configured")
	}

	params := url.Values{}
	params.Set("apikey", apikey)
	params.Set("o", "json")
	if ref.Type == streams.ContentTypeSeries {
		params.Set("t", "tvsearch")
		params.Set("imdbid", ref.IMDbID)
		params.Set("season", fmt.Sprint(ref.Season))
		params.Set("ep", fmt.Sprint(ref.Episode))
	} else {
		params.Set("t", "movie")
		params.Set("imdbid", ref.IMDbID)
	}
	body, err := c.get(ctx, c.baseURL+"/api?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var results []streams.Stream
	gjson.GetBytes(body, "channel.item").ForEach(func(_, item gjson.Result) bool {
		title := item.Get("title").String()
		nzbURL := item.Get("enclosure.@attributes.url").String()
		if title == "" || nzbURL == "" {
			return true
		}
		hs := streams.HTTPStream{
			ProviderLabel: "Newshost",
			DisplayTitle:  title,
			SizeBytes:     item.Get("enclosure.@attributes.length").Int(),
			Resolution:    streams.DetectResolution(title),
			URL:           nzbURL,
		}
		results = append(results, streams.FromHTTPStream("newshost", hs))
		return true
	})
	c.logger.Debug("Found NZBs", zap.Int("nzbCount", len(results)), zap.String("imdbID", ref.IMDbID))
	return results, nil
}

// ResolveMagnet is not supported, the provider only deals in NZBs.
func (c *newshost) ResolveMagnet(ctx context.Context, apikey, magnetURI string, opts debrid.MagnetOptions) (string, error) {
	return "", errors.New("newshost doesn't resolve magnets")
}

// ResolveURL turns an NZB descriptor URL into a playable link via the user's
// fetch queue.
func (c *newshost) ResolveURL(ctx context.Context, apikey, nzbURL string) (string, error) {
	params := url.Values{}
	params.Set("apikey", apikey)
	params.Set("url", nzbURL)
	body, err := c.get(ctx, c.baseURL+"/api/fetch?"+params.Encode())
	if err != nil {
		return "", fmt.Errorf("Couldn't submit NZB: %w", err)
	}
	taskID := gjson.GetBytes(body, "task_id").String()
	if taskID == "" {
		return "", fmt.Errorf("Couldn't submit NZB: %v", gjson.GetBytes(body, "error").String())
	}

	var task gjson.Result
	err = retry.Do(
		func() error {
			body, err := c.get(ctx, c.baseURL+"/api/fetch/"+taskID+"?apikey="+url.QueryEscape(apikey))
			if err != nil {
				return err
			}
			task = gjson.ParseBytes(body)
			switch status := task.Get("status").String(); status {
			case "done":
				return nil
			case "failed", "deleted":
				return retry.Unrecoverable(fmt.Errorf("bad task status: %v", status))
			default:
				return fmt.Errorf("task not done yet: %v", status)
			}
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.pollAttempts)),
		retry.Delay(c.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("Couldn't fetch NZB download: %w", err)
	}

	// Pick the largest video file of the finished download
	var bestLink string
	var bestSize int64 = -1
	task.Get("files").ForEach(func(_, file gjson.Result) bool {
		name := file.Get("name").String()
		size := file.Get("size").Int()
		link := file.Get("link").String()
		if link == "" || !debrid.IsVideo(name) {
			return true
		}
		if size > bestSize {
			bestSize = size
			bestLink = link
		}
		return true
	})
	if bestLink == "" {
		return "", errors.New("no video file in finished download")
	}
	return bestLink, nil
}

func (c *newshost) get(ctx context.Context, reqUrl string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't GET %v: %v", reqUrl, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}
	return body, nil
}
