// Package metafetcher fills a content reference with title, year and
// alternative titles so the ranker can judge results. Primary source is an
// imdb2meta gRPC server; a Cinemeta-style HTTP endpoint serves as fallback.
package metafetcher

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/deflix-tv/imdb2meta/pb"

	"github.com/streamrake/streamrake/pkg/streams"
)

type Options struct {
	// Address of the imdb2meta gRPC server. Empty disables the gRPC source.
	IMDB2metaAddress string
	// Base URL of the fallback meta HTTP API. Empty disables the fallback.
	FallbackBaseURL string
	Timeout         time.Duration
	// How long fetched metadata is memoized
	CacheTTL time.Duration
}

var DefaultOptions = Options{
	FallbackBaseURL: "https://v3-cinemeta.strem.io",
	Timeout:         5 * time.Second,
	CacheTTL:        30 * 24 * time.Hour,
}

// Client fetches metadata. One of the two sources must be configured.
type Client struct {
	grpcClient pb.MetaFetcherClient
	conn       *grpc.ClientConn
	baseURL    string
	httpClient *http.Client
	cache      *gocache.Cache
	logger     *zap.Logger
}

// NewClient connects to the configured sources. Call Close when finished.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	if opts.IMDB2metaAddress == "" && opts.FallbackBaseURL == "" {
		return nil, errors.New("no metadata source configured")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultOptions.CacheTTL
	}

	var grpcClient pb.MetaFetcherClient
	var conn *grpc.ClientConn
	if opts.IMDB2metaAddress != "" {
		logger.Info("Connecting to imdb2meta gRPC server...", zap.String("address", opts.IMDB2metaAddress))
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var err error
		conn, err = grpc.DialContext(dialCtx, opts.IMDB2metaAddress, grpc.WithInsecure(), grpc.WithBlock())
		if err != nil {
			return nil, fmt.Errorf("Couldn't connect to imdb2meta gRPC server: %v", err)
		}
		grpcClient = pb.NewMetaFetcherClient(conn)
		logger.Info("Connected to imdb2meta gRPC server")
	}

	return &Client{
		grpcClient: grpcClient,
		conn:       conn,
		baseURL:    opts.FallbackBaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		cache:  gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		logger: logger,
	}, nil
}

// Meta is the subset of metadata the ranker needs.
type Meta struct {
	Title     string
	Year      int
	AltTitles []string
}

// Enrich fills the reference's metadata fields in place. Failures leave the
// reference untouched; the filters then run with what's in the title strings.
func (c *Client) Enrich(ctx context.Context, ref *streams.ContentRef) {
	meta, err := c.Get(ctx, ref.IMDbID, string(ref.Type))
	if err != nil {
		c.logger.Warn("Couldn't fetch metadata, filters run without it", zap.Error(err), zap.String("imdbID", ref.IMDbID))
		return
	}
	ref.Title = meta.Title
	ref.Year = meta.Year
	ref.AltTitles = meta.AltTitles
}

// Get fetches metadata for an IMDb ID, gRPC first, HTTP fallback second.
func (c *Client) Get(ctx context.Context, imdbID, contentType string) (Meta, error) {
	if metaIface, found := c.cache.Get(imdbID); found {
		if meta, ok := metaIface.(Meta); ok {
			return meta, nil
		}
	}

	if c.grpcClient != nil {
		res, err := c.grpcClient.Get(ctx, &pb.MetaRequest{Id: imdbID})
		if err == nil {
			meta := Meta{
				Title: res.GetPrimaryTitle(),
				Year:  int(res.GetStartYear()),
			}
			if orig := res.GetOriginalTitle(); orig != "" && orig != meta.Title {
				meta.AltTitles = []string{orig}
			}
			c.cache.SetDefault(imdbID, meta)
			return meta, nil
		}
		c.logger.Error("Couldn't get meta from imdb2meta gRPC server. Falling back to HTTP.", zap.Error(err), zap.String("imdbID", imdbID))
	}

	if c.baseURL == "" {
		return Meta{}, errors.New("no metadata source left")
	}
	meta, err := c.getHTTP(ctx, imdbID, contentType)
	if err != nil {
		return Meta{}, err
	}
	c.cache.SetDefault(imdbID, meta)
	return meta, nil
}

func (c *Client) getHTTP(ctx context.Context, imdbID, contentType string) (Meta, error) {
	if contentType == "" {
		contentType = "movie"
	}
	reqUrl := c.baseURL + "/meta/" + contentType + "/" + imdbID + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("Couldn't GET %v: %v", reqUrl, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("Bad GET response: %v", res.StatusCode)
	}
	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return Meta{}, fmt.Errorf("Couldn't read response body: %v", err)
	}

	name := gjson.GetBytes(resBody, "meta.name").String()
	if name == "" {
		return Meta{}, errors.New("Couldn't find name in meta response")
	}
	meta := Meta{Title: name}
	// The year field can be "1994" or a range like "2008-2013"
	yearStr := gjson.GetBytes(resBody, "meta.year").String()
	if len(yearStr) > 4 {
		yearStr = yearStr[:4]
	}
	if yearStr != "" {
		if year, err := strconv.Atoi(yearStr); err == nil {
			meta.Year = year
		} else {
			c.logger.Warn("Couldn't convert year to int", zap.String("year", yearStr), zap.String("imdbID", imdbID))
		}
	}
	return meta, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
