package main

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/aggregator"
	"github.com/streamrake/streamrake/pkg/cachecoord"
	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/dedup"
	"github.com/streamrake/streamrake/pkg/metafetcher"
	"github.com/streamrake/streamrake/pkg/provider"
	"github.com/streamrake/streamrake/pkg/proxypool"
	"github.com/streamrake/streamrake/pkg/rank"
	"github.com/streamrake/streamrake/pkg/resolver"
	"github.com/streamrake/streamrake/pkg/streams"
)

// Trackers appended to magnets we build from bare info hashes
var magnetTrackers = []string{
	"udp://tracker.opentrackr.org:1337",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
}

// Providers whose results come from an instant-availability probe; their
// resolve URLs carry the claimed-cached marker.
var debridProviders = map[string]bool{
	"realdebrid": true,
	"alldebrid":  true,
	"premiumize": true,
}

type streamsResponse struct {
	Streams []streams.Stream `json:"streams"`
}

func buildMagnet(infoHash, title string) string {
	magnet := "magnet:?xt=urn:btih:" + infoHash + "&dn=" + url.QueryEscape(title)
	for _, tracker := range magnetTrackers {
		magnet += "&tr=" + url.QueryEscape(tracker)
	}
	return magnet
}

func createStreamHandler(cfg config, registry *provider.Registry, coord *cachecoord.Coordinator, deduper *dedup.Deduper, agg *aggregator.Aggregator, metaClient *metafetcher.Client, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSuffix(c.Params("id"), ".json")
		ref, err := streams.ParseContentID(streams.ContentType(c.Params("type")), id)
		if err != nil {
			logger.Warn("Couldn't parse content reference", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		udString := c.Params("userData")
		// The auth middleware already validated the user data
		ud, _ := decodeUserData(udString, logger)
		userCfg := ud.toUserConfig()

		if metaClient != nil {
			metaClient.Enrich(c.Context(), &ref)
		}

		// One task per selected provider; each task runs behind the request
		// deduper and the cache coordinator
		var tasks []aggregator.Task
		cacheKeys := map[string]string{}
		for _, name := range registry.Names() {
			if userCfg.Credential(name) == "" {
				continue
			}
			reg, ok := registry.Get(name)
			if !ok {
				continue
			}
			name := name
			adapter := reg.Adapter
			cacheKeys[name] = cachecoord.Key(name, ref, userCfg.Languages)
			dedupKey := dedup.Key(name, ref, userCfg.Languages, userCfg.IdentityTokens()...)
			var gateTimeout time.Duration
			if reg.EarlyReturnBlocking {
				gateTimeout = cfg.GateTimeoutScarab
			}
			tasks = append(tasks, aggregator.Task{
				Provider:            name,
				Timeout:             reg.Timeout,
				EarlyReturnBlocking: reg.EarlyReturnBlocking,
				GateTimeout:         gateTimeout,
				Run: func(ctx context.Context) ([]streams.Stream, error) {
					resultIface, err, _ := deduper.DoCtx(ctx, dedupKey, func() (interface{}, error) {
						req := cachecoord.FetchRequest{
							Provider:  name,
							Ref:       ref,
							Languages: userCfg.Languages,
							Search: func(ctx context.Context) ([]streams.Stream, error) {
								return adapter.Search(ctx, ref, userCfg)
							},
						}
						if personal, ok := adapter.(provider.PersonalSearcher); ok {
							req.Personal = func(ctx context.Context) ([]streams.Stream, error) {
								return personal.PersonalStreams(ctx, ref, userCfg)
							}
						}
						return coord.GetOrFetch(ctx, req)
					})
					if err != nil {
						return nil, err
					}
					items, _ := resultIface.([]streams.Stream)
					return items, nil
				},
			})
		}

		criteria := rank.Criteria{
			Ref:          ref,
			Languages:    userCfg.Languages,
			Resolutions:  userCfg.Resolutions,
			MinSizeBytes: userCfg.MinSizeBytes,
			MaxSizeBytes: userCfg.MaxSizeBytes,
		}
		items, err := agg.Gather(c.Context(), c.IP(), tasks, criteria)
		if errors.Is(err, aggregator.ErrNoProviders) {
			return c.SendStatus(fiber.StatusBadRequest)
		} else if err != nil && len(items) == 0 {
			logger.Warn("Couldn't gather streams", zap.Error(err), zap.String("imdbID", ref.IMDbID))
			return c.SendStatus(fiber.StatusNotFound)
		}

		// Point non-personal items at our resolve endpoint
		for i := range items {
			item := &items[i]
			if item.Personal || item.Note != "" {
				continue
			}
			opaqueRef := item.URL
			if item.InfoHash != "" {
				opaqueRef = buildMagnet(item.InfoHash, item.Title)
			}
			if opaqueRef == "" {
				continue
			}
			params := url.Values{}
			params.Set("ref", opaqueRef)
			params.Set("ck", cacheKeys[item.Provider])
			if debridProviders[item.Provider] {
				params.Set("claimed", "1")
			}
			if ref.Type == streams.ContentTypeSeries {
				params.Set("s", strconv.Itoa(ref.Season))
				params.Set("e", strconv.Itoa(ref.Episode))
			}
			item.URL = cfg.BaseURL + "/resolve/" + item.Provider + "/" + udString + "?" + params.Encode()
		}

		return c.JSON(streamsResponse{Streams: items})
	}
}

func createResolveHandler(res *resolver.Resolver, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		providerName := strings.ToLower(c.Params("provider", ""))
		ud, err := decodeUserData(c.Params("userData", ""), logger)
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		credential := ud.credential(providerName)
		if credential == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		opaqueRef := c.Query("ref")
		if opaqueRef == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		var hint *streams.EpisodeHint
		if c.Query("s") != "" || c.Query("e") != "" {
			season, _ := strconv.Atoi(c.Query("s"))
			episode, _ := strconv.Atoi(c.Query("e"))
			hint = &streams.EpisodeHint{
				Season:   season,
				Episode:  episode,
				FilePath: c.Query("fpath"),
				FileID:   c.Query("fid"),
			}
		}

		finalURL, err := res.Resolve(c.Context(), resolver.Request{
			Provider:      providerName,
			Credential:    credential,
			OpaqueRef:     opaqueRef,
			Hint:          hint,
			CacheService:  providerName,
			CacheKey:      c.Query("ck"),
			ClaimedCached: c.Query("claimed") == "1",
		})
		if err != nil {
			switch {
			case errors.Is(err, resolver.ErrRecentlyFailed):
				return c.SendStatus(fiber.StatusNotFound)
			case errors.Is(err, debrid.ErrNotCached):
				return c.SendStatus(fiber.StatusNotFound)
			default:
				logger.Warn("Couldn't resolve stream", zap.Error(err), zap.String("provider", providerName))
				return c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		logger.Debug("Responding with redirect to stream", zap.String("provider", providerName))
		c.Set("Location", finalURL)
		return c.SendStatus(fiber.StatusMovedPermanently)
	}
}

func healthHandler(c *fiber.Ctx) error {
	return c.SendString("OK")
}

func createStatusHandler(startTime time.Time, rotator *proxypool.Rotator, droppedWrites func() int64) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := fiber.Map{
			"uptime":        time.Since(startTime).Round(time.Second).String(),
			"droppedWrites": droppedWrites(),
		}
		if rotator != nil {
			usable, blacklisted := rotator.PoolStats()
			status["proxyPool"] = fiber.Map{
				"usable":      usable,
				"blacklisted": blacklisted,
			}
		}
		return c.JSON(status)
	}
}
