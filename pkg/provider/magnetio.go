package provider

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/streams"
)

type MagnetioOptions struct {
	BaseURL string
	Timeout time.Duration
}

func NewMagnetioOpts(baseURL string, timeout time.Duration) MagnetioOptions {
	return MagnetioOptions{
		BaseURL: baseURL,
		Timeout: timeout,
	}
}

var DefaultMagnetioOpts = MagnetioOptions{
	BaseURL: "https://api.magnetio.example",
	Timeout: 5 * time.Second,
}

var _ Adapter = (*magnetio)(nil)

// magnetio is a JSON torrent indexer. Its API indexes by IMDb ID, so movie
// queries need no free-text matching; episodes are searched as "ttX SxxEyy".
type magnetio struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewMagnetio(opts MagnetioOptions, logger *zap.Logger) *magnetio {
	return &magnetio{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}
}

func (c *magnetio) Name() string {
	return "magnetio"
}

func (c *magnetio) Search(ctx context.Context, ref streams.ContentRef, cfg UserConfig) ([]streams.Stream, error) {
	zapFieldID := zap.String("imdbID", ref.IMDbID)
	zapFieldSite := zap.String("torrentSite", "magnetio")

	query := ref.IMDbID
	if ref.Type == streams.ContentTypeSeries {
		query = fmt.Sprintf("%v S%02dE%02d", ref.IMDbID, ref.Season, ref.Episode)
	}
	reqUrl := c.baseURL + "/q.php?q=" + url.QueryEscape(query)
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
	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}

	var results []streams.Stream
	gjson.ParseBytes(resBody).ForEach(func(_, value gjson.Result) bool {
		name := value.Get("name").String()
		infoHash := strings.ToLower(value.Get("info_hash").String())
		// The API signals an empty result set with a single placeholder row
		if name == "No results returned" || len(infoHash) != 40 {
			return true
		}
		torrent := streams.Torrent{
			InfoHash:   infoHash,
			Title:      name,
			SizeBytes:  value.Get("size").Int(),
			Seeders:    int(value.Get("seeders").Int()),
			Tracker:    "MagnetIO",
			Resolution: streams.DetectResolution(name),
		}
		results = append(results, streams.FromTorrent("magnetio", torrent))
		return true
	})
	c.logger.Debug("Found torrents", zap.Int("torrentCount", len(results)), zapFieldID, zapFieldSite)
	return DedupByHash(results), nil
}
