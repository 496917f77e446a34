package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/streamrake/streamrake/pkg/aggregator"
	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/cachecoord"
	"github.com/streamrake/streamrake/pkg/challenge"
	"github.com/streamrake/streamrake/pkg/debrid"
	"github.com/streamrake/streamrake/pkg/debrid/alldebrid"
	"github.com/streamrake/streamrake/pkg/debrid/premiumize"
	"github.com/streamrake/streamrake/pkg/debrid/realdebrid"
	"github.com/streamrake/streamrake/pkg/dedup"
	"github.com/streamrake/streamrake/pkg/logadapter"
	"github.com/streamrake/streamrake/pkg/memcache"
	"github.com/streamrake/streamrake/pkg/metafetcher"
	"github.com/streamrake/streamrake/pkg/provider"
	"github.com/streamrake/streamrake/pkg/proxypool"
	"github.com/streamrake/streamrake/pkg/ratelimit"
	"github.com/streamrake/streamrake/pkg/resolver"
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Bootstrap logger, replaced after the config is parsed
	logger, err := newLogger("info", "console")
	if err != nil {
		log.Fatalf("Couldn't create bootstrap logger: %v", err)
	}
	cfg := parseConfig(logger)
	logger, err = newLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("Couldn't create logger: %v", err)
	}
	defer logger.Sync()
	cfgJSON, _ := json.Marshal(cfg)
	logger.Info("Parsed config", zap.ByteString("config", cfgJSON))

	// Storage
	var backend bytestore.Backend
	if cfg.RedisAddr != "" {
		backend, err = bytestore.NewRedisBackend(cfg.RedisAddr, cfg.RedisCreds)
		if err != nil {
			logger.Fatal("Couldn't connect to Redis", zap.Error(err), zap.String("redisAddr", cfg.RedisAddr))
		}
	} else {
		storagePath := cfg.StoragePath
		if storagePath == "" {
			userCacheDir, err := os.UserCacheDir()
			if err != nil {
				logger.Fatal("Couldn't determine user cache directory via 'os.UserCacheDir()'", zap.Error(err))
			}
			storagePath = userCacheDir + "/streamrake/badger"
		}
		backend, err = bytestore.NewBadgerBackend(storagePath, logadapter.NewBadger2Zap(logger))
		if err != nil {
			logger.Fatal("Couldn't open BadgerDB", zap.Error(err), zap.String("storagePath", storagePath))
		}
	}
	store := bytestore.NewStore(backend, bytestore.Options{
		UpsertConcurrency:      cfg.UpsertConcurrency,
		UpsertQueueMax:         cfg.UpsertQueueMax,
		MaxConsecutiveFailures: uint32(cfg.MaxWriteFailures),
		DefaultTTL:             cfg.SearchTTL,
	}, logger)
	store.StartSweeper(mainCtx)

	session := memcache.NewSessionState(memcache.Options{
		ResolveSuccessTTL: cfg.ResolveSuccessTTL,
		ResolveFailTTL:    cfg.ResolveFailTTL,
	})

	// Proxy rotator, only when a proxy list is configured
	var rotator *proxypool.Rotator
	if cfg.ProxyListURL != "" {
		rotator, err = proxypool.NewRotator(proxypool.Options{SourceURL: cfg.ProxyListURL}, logger)
		if err != nil {
			logger.Fatal("Couldn't create proxy rotator", zap.Error(err))
		}
		rotator.StartAutoRefresh(mainCtx)
	}

	solver := challenge.NewSolver(challenge.Options{EmulatorURL: cfg.SolverURL}, session.Cookies, store, logger)

	// Debrid clients
	rdOpts := realdebrid.DefaultClientOpts
	rdOpts.BaseURL = cfg.BaseURLrd
	rdClient, err := realdebrid.NewClient(rdOpts, debrid.NewTTLCache(24*time.Hour), debrid.NewTTLCache(24*time.Hour), logger)
	if err != nil {
		logger.Fatal("Couldn't create RealDebrid client", zap.Error(err))
	}
	adOpts := alldebrid.DefaultClientOpts
	adOpts.BaseURL = cfg.BaseURLad
	adClient, err := alldebrid.NewClient(adOpts, debrid.NewTTLCache(24*time.Hour), debrid.NewTTLCache(24*time.Hour), logger)
	if err != nil {
		logger.Fatal("Couldn't create AllDebrid client", zap.Error(err))
	}
	pmOpts := premiumize.DefaultClientOpts
	pmOpts.BaseURL = cfg.BaseURLpm
	pmOpts.UseOAUTH2 = cfg.UseOAUTH2pm
	pmOpts.ForwardOriginIP = cfg.ForwardOriginIP
	pmClient, err := premiumize.NewClient(pmOpts, debrid.NewTTLCache(24*time.Hour), debrid.NewTTLCache(24*time.Hour), logger)
	if err != nil {
		logger.Fatal("Couldn't create Premiumize client", zap.Error(err))
	}

	// Indexers
	magnetioAdapter := provider.NewMagnetio(provider.NewMagnetioOpts(cfg.BaseURLmagnetio, cfg.TimeoutMagnetio), logger)
	scarabAdapter, err := provider.NewScarab(provider.NewScarabOpts(cfg.BaseURLscarab, cfg.TimeoutScarab), solver, rotator, logger)
	if err != nil {
		logger.Fatal("Couldn't create Scarab adapter", zap.Error(err))
	}
	newshostAdapter := provider.NewNewshost(provider.NewNewshostOpts(cfg.BaseURLnewshost, cfg.TimeoutNewshost), logger)

	// A positive gate bump opts into holding the early-return gate for the
	// providers whose searches include the slow HTML indexer
	holdForScarab := cfg.GateTimeoutScarab > 0

	registry := provider.NewRegistry()
	registry.Register(provider.Registration{
		Adapter:             provider.NewDebridAdapter("realdebrid", rdClient, rdClient, store, logger, magnetioAdapter, scarabAdapter),
		Timeout:             cfg.TimeoutScarab,
		EarlyReturnBlocking: holdForScarab,
	})
	registry.Register(provider.Registration{
		Adapter:             provider.NewDebridAdapter("alldebrid", adClient, adClient, store, logger, magnetioAdapter, scarabAdapter),
		Timeout:             cfg.TimeoutScarab,
		EarlyReturnBlocking: holdForScarab,
	})
	registry.Register(provider.Registration{
		Adapter:             provider.NewDebridAdapter("premiumize", pmClient, pmClient, store, logger, magnetioAdapter, scarabAdapter),
		Timeout:             cfg.TimeoutScarab,
		EarlyReturnBlocking: holdForScarab,
	})
	registry.Register(provider.Registration{
		Adapter:    newshostAdapter,
		Timeout:    cfg.TimeoutNewshost,
		CachesURLs: true,
	})

	// Per-IP windows only apply to the providers that fan out to the
	// challenge-protected HTML indexer
	ipWindows := map[string]ratelimit.WindowConfig{}
	for _, prov := range []string{"realdebrid", "alldebrid", "premiumize"} {
		ipWindows[prov] = ratelimit.WindowConfig{MaxRequests: cfg.IPMaxRequests, Window: cfg.IPWindow}
	}
	governor := ratelimit.NewGovernor(ratelimit.Options{
		ProviderRate:    rate.Limit(cfg.ProviderRate),
		ProviderBurst:   cfg.ProviderBurst,
		IPWindows:       ipWindows,
		CleanupInterval: cfg.IPCleanup,
	}, logger)

	refresher := cachecoord.NewBackgroundRefresher(cachecoord.RefresherOptions{
		BaseDelay: cfg.RefreshBaseDelay,
		MaxDelay:  cfg.RefreshMaxDelay,
		Jitter:    cfg.RefreshJitter,
	}, logger)
	coordinator := cachecoord.NewCoordinator(cachecoord.Options{
		MinResultsPerService: cfg.MinResultsPerService,
		SearchTTL:            cfg.SearchTTL,
		CachesURLs:           registry.CachesURLs(),
	}, store, refresher, logger)

	res := resolver.New(resolver.Options{Timeout: cfg.ResolveTimeout}, session, store, logger)
	res.Register("realdebrid", rdClient)
	res.Register("alldebrid", adClient)
	res.Register("premiumize", pmClient)
	res.Register("newshost", newshostAdapter)

	agg := aggregator.New(aggregator.Options{
		EarlyReturnEnabled:    cfg.EarlyReturnEnabled,
		EarlyReturnTimeout:    cfg.EarlyReturnTimeout,
		EarlyReturnMinStreams: cfg.EarlyReturnMinStreams,
	}, governor, logger)

	var metaClient *metafetcher.Client
	if cfg.IMDB2metaAddr != "" || cfg.MetaFallbackURL != "" {
		metaClient, err = metafetcher.NewClient(mainCtx, metafetcher.Options{
			IMDB2metaAddress: cfg.IMDB2metaAddr,
			FallbackBaseURL:  cfg.MetaFallbackURL,
		}, logger)
		if err != nil {
			logger.Fatal("Couldn't create metadata client", zap.Error(err))
		}
	}

	deduper := dedup.New()
	startTime := time.Now()

	app := fiber.New(fiber.Config{
		ReadTimeout:           5 * time.Second,
		DisableStartupMessage: true,
	})
	app.Use(fiberrecover.New())
	app.Use(createTimerMiddleware(logger))
	app.Use(createCorsMiddleware())
	app.Get("/health", healthHandler)
	app.Get("/status", createStatusHandler(startTime, rotator, store.Dropped))
	app.Get("/:userData/stream/:type/:id",
		createAuthMiddleware(rdClient, adClient, pmClient, logger),
		createStreamHandler(cfg, registry, coordinator, deduper, agg, metaClient, logger))
	app.Get("/resolve/:provider/:userData", createResolveHandler(res, logger))

	stopped := make(chan struct{})
	go func() {
		addr := cfg.BindAddr + ":" + strconv.Itoa(cfg.Port)
		logger.Info("Starting server", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Couldn't start server", zap.Error(err))
		}
		close(stopped)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	if err := app.Shutdown(); err != nil {
		logger.Error("Couldn't shut down server gracefully", zap.Error(err))
	}
	<-stopped
	mainCancel()
	refresher.Stop()
	if metaClient != nil {
		if err := metaClient.Close(); err != nil {
			logger.Error("Couldn't close metadata client", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("Couldn't close the store", zap.Error(err))
	}
	logger.Info("Finished shutting down")
}

// newLogger builds the service logger. Encoding is "console" or "json".
func newLogger(level, encoding string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = encoding
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
