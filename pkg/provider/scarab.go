package provider

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/challenge"
	"github.com/streamrake/streamrake/pkg/proxypool"
	"github.com/streamrake/streamrake/pkg/streams"
)

var magnet2InfoHashRx = regexp.MustCompile(`btih:([a-fA-F0-9]{40})`)

type ScarabOptions struct {
	BaseURL string
	Timeout time.Duration
}

func NewScarabOpts(baseURL string, timeout time.Duration) ScarabOptions {
	return ScarabOptions{
		BaseURL: baseURL,
		Timeout: timeout,
	}
}

var DefaultScarabOpts = ScarabOptions{
	BaseURL: "https://scarab.example",
	Timeout: 30 * time.Second,
}

var _ Adapter = (*scarab)(nil)

// scarab scrapes an HTML torrent site that sits behind an anti-bot layer.
// Requests walk an escalating chain: plain GET with a replayed cookie, then
// the SOCKS5 proxy race, then a full challenge solve.
type scarab struct {
	baseURL    string
	domain     string
	httpClient *http.Client
	solver     *challenge.Solver
	rotator    *proxypool.Rotator
	lock       sync.Mutex
	logger     *zap.Logger
}

// NewScarab creates the adapter. rotator may be nil, which skips the proxy
// stage of the chain.
func NewScarab(opts ScarabOptions, solver *challenge.Solver, rotator *proxypool.Rotator, logger *zap.Logger) (*scarab, error) {
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse base URL: %v", err)
	}
	return &scarab{
		baseURL: opts.BaseURL,
		domain:  parsed.Hostname(),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		solver:  solver,
		rotator: rotator,
		logger:  logger,
	}, nil
}

func (c *scarab) Name() string {
	return "scarab"
}

func (c *scarab) Search(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error) {
	// Serialize all requests to the site, it rate limits aggressively
	c.lock.Lock()
	defer c.lock.Unlock()

	zapFieldID := zap.String("imdbID", ref.IMDbID)
	zapFieldSite := zap.String("torrentSite", "scarab")

	query := ref.IMDbID
	if ref.Type == streams.ContentTypeSeries {
		query = fmt.Sprintf("%v S%02dE%02d", ref.IMDbID, ref.Season, ref.Episode)
	}
	searchURL := c.baseURL + "/search/" + url.PathEscape(query) + "/1/"
	body, err := c.fetch(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Couldn't load the HTML in goquery: %v", err)
	}

	var results []streams.Stream
	doc.Find("table.table-list tbody tr").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("td.name a").Last().Text())
		magnet, ok := s.Find("a[href^='magnet:']").Attr("href")
		if title == "" || !ok {
			c.logger.Warn("Couldn't find title or magnet in result row, did the HTML change?", zapFieldID, zapFieldSite)
			return
		}
		match := magnet2InfoHashRx.FindStringSubmatch(magnet)
		if match == nil {
			return
		}
		seeders, _ := strconv.Atoi(strings.TrimSpace(s.Find("td.seeds").Text()))
		torrent := streams.Torrent{
			InfoHash:   strings.ToLower(match[1]),
			Title:      title,
			SizeBytes:  parseHumanSize(strings.TrimSpace(s.Find("td.size").First().Text())),
			Seeders:    seeders,
			Tracker:    "Scarab",
			Resolution: streams.DetectResolution(title),
		}
		results = append(results, streams.FromTorrent("scarab", torrent))
	})
	c.logger.Debug("Found torrents", zap.Int("torrentCount", len(results)), zapFieldID, zapFieldSite)
	return DedupByHash(results), nil
}

// fetch runs the escalating request chain and returns the page HTML.
func (c *scarab) fetch(ctx context.Context, pageURL string) (string, error) {
	zapFieldSite := zap.String("torrentSite", "scarab")

	// Stage 1: plain GET, replaying a previously solved cookie if we have one
	body, err := c.direct(ctx, pageURL)
	if err == nil && !challenge.IsChallenge(body) {
		return body, nil
	}
	if err != nil {
		c.logger.Debug("Direct request failed, escalating", zap.Error(err), zapFieldSite)
	} else {
		c.logger.Debug("Got a challenge page, escalating", zapFieldSite)
		c.solver.Clear(ctx, c.domain)
	}
	challengeHTML := body

	// Stage 2: race the request across SOCKS5 proxies
	if c.rotator != nil {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if reqErr == nil {
			raw, _, raceErr := c.rotator.RequestWithRotation(ctx, req, proxypool.DefaultRaceOptions)
			if raceErr == nil && !challenge.IsChallenge(string(raw)) {
				return string(raw), nil
			}
			if raceErr != nil {
				c.logger.Debug("Proxy race failed, escalating", zap.Error(raceErr), zapFieldSite)
			} else {
				challengeHTML = string(raw)
			}
		}
	}

	// Stage 3: solve the challenge (inline AES or browser emulator)
	sol, err := c.solver.Solve(ctx, c.domain, pageURL, challengeHTML)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChallenged, err)
	}
	if sol.BodyHTML != "" && !challenge.IsChallenge(sol.BodyHTML) {
		return sol.BodyHTML, nil
	}
	body, err = c.direct(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if challenge.IsChallenge(body) {
		return "", ErrChallenged
	}
	return body, nil
}

func (c *scarab) direct(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("Couldn't create request: %v", err)
	}
	if cookie, found := c.solver.Cookie(ctx, c.domain); found {
		req.Header.Set("Cookie", cookie.Header)
		req.Header.Set("User-Agent", cookie.UserAgent)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Couldn't GET %v: %v", pageURL, err)
	}
	defer res.Body.Close()
	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("Couldn't read response body: %v", err)
	}
	// Challenge pages come with 403 or 503, the body is still worth parsing
	if res.StatusCode != http.StatusOK && !challenge.IsChallenge(string(resBody)) {
		return "", fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	return string(resBody), nil
}

var humanSizeRx = regexp.MustCompile(`(?i)^([\d.,]+)\s*(B|KB|MB|GB|TB|KIB|MIB|GIB|TIB)$`)

// parseHumanSize converts strings like "1.4 GB" to bytes. Unparseable input
// yields 0.
func parseHumanSize(s string) int64 {
	match := humanSizeRx.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return 0
	}
	num, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	var factor float64 = 1
	switch strings.ToUpper(match[2]) {
	case "KB", "KIB":
		factor = 1 << 10
	case "MB", "MIB":
		factor = 1 << 20
	case "GB", "GIB":
		factor = 1 << 30
	case "TB", "TIB":
		factor = 1 << 40
	}
	return int64(num * factor)
}
