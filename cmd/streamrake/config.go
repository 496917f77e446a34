package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type config struct {
	BindAddr              string        `json:"bindAddr"`
	Port                  int           `json:"port"`
	BaseURL               string        `json:"baseURL"`
	StoragePath           string        `json:"storagePath"`
	RedisAddr             string        `json:"redisAddr"`
	RedisCreds            string        `json:"-"`
	LogLevel              string        `json:"logLevel"`
	LogEncoding           string        `json:"logEncoding"`
	EarlyReturnEnabled    bool          `json:"earlyReturnEnabled"`
	EarlyReturnTimeout    time.Duration `json:"earlyReturnTimeout"`
	EarlyReturnMinStreams int           `json:"earlyReturnMinStreams"`
	MinResultsPerService  int           `json:"minResultsPerService"`
	SearchTTL             time.Duration `json:"searchTTL"`
	TimeoutMagnetio       time.Duration `json:"timeoutMagnetio"`
	TimeoutScarab         time.Duration `json:"timeoutScarab"`
	TimeoutNewshost       time.Duration `json:"timeoutNewshost"`
	GateTimeoutScarab     time.Duration `json:"gateTimeoutScarab"`
	ResolveTimeout        time.Duration `json:"resolveTimeout"`
	ResolveSuccessTTL     time.Duration `json:"resolveSuccessTTL"`
	ResolveFailTTL        time.Duration `json:"resolveFailTTL"`
	RefreshBaseDelay      time.Duration `json:"refreshBaseDelay"`
	RefreshMaxDelay       time.Duration `json:"refreshMaxDelay"`
	RefreshJitter         float64       `json:"refreshJitter"`
	UpsertConcurrency     int           `json:"upsertConcurrency"`
	UpsertQueueMax        int           `json:"upsertQueueMax"`
	MaxWriteFailures      int           `json:"maxWriteFailures"`
	IPMaxRequests         int           `json:"ipMaxRequests"`
	IPWindow              time.Duration `json:"ipWindow"`
	IPCleanup             time.Duration `json:"ipCleanup"`
	ProviderRate          float64       `json:"providerRate"`
	ProviderBurst         int           `json:"providerBurst"`
	ProxyListURL          string        `json:"proxyListURL"`
	SolverURL             string        `json:"solverURL"`
	IMDB2metaAddr         string        `json:"imdb2metaAddr"`
	MetaFallbackURL       string        `json:"metaFallbackURL"`
	BaseURLmagnetio       string        `json:"baseURLmagnetio"`
	BaseURLscarab         string        `json:"baseURLscarab"`
	BaseURLnewshost       string        `json:"baseURLnewshost"`
	BaseURLrd             string        `json:"baseURLrd"`
	BaseURLad             string        `json:"baseURLad"`
	BaseURLpm             string        `json:"baseURLpm"`
	UseOAUTH2pm           bool          `json:"useOAUTH2pm"`
	ForwardOriginIP       bool          `json:"forwardOriginIP"`
	EnvPrefix             string        `json:"envPrefix"`
}

func parseConfig(logger *zap.Logger) config {
	result := config{}

	// Flags
	var (
		bindAddr              = flag.String("bindAddr", "localhost", `Local interface address to bind to. "localhost" only allows access from the local host. "0.0.0.0" binds to all network interfaces.`)
		port                  = flag.Int("port", 8080, "Port to listen on")
		baseURL               = flag.String("baseURL", "http://localhost:8080", "Base URL of this service. It's used to build the resolve URLs that are delivered in stream responses.")
		storagePath           = flag.String("storagePath", "", `Path for storing the data of the persistent DB. An empty value will lead to 'os.UserCacheDir()+"/streamrake/badger"'.`)
		redisAddr             = flag.String("redisAddr", "", `Redis host and port, for example "localhost:6379". It's used instead of the embedded BadgerDB when set.`)
		redisCreds            = flag.String("redisCreds", "", `Credentials for Redis. Password for Redis version 5 and older, username and password separated by a colon for Redis version 6 and newer.`)
		logLevel              = flag.String("logLevel", "debug", `Log level to show only logs with the given and more severe levels. Can be "debug", "info", "warn", "error".`)
		logEncoding           = flag.String("logEncoding", "console", `Log encoding. Can be "console" or "json", where "json" makes more sense when using centralized logging solutions like ELK, Graylog or Loki.`)
		earlyReturnEnabled    = flag.Bool("earlyReturnEnabled", true, "Whether stream responses may be released before all providers completed. Slow providers then keep warming the cache in the background.")
		earlyReturnTimeout    = flag.Duration("earlyReturnTimeout", 2500*time.Millisecond, "Gate timer for the early return. The format must be acceptable by Go's 'time.ParseDuration()'.")
		earlyReturnMinStreams = flag.Int("earlyReturnMinStreams", 1, "Minimum number of accumulated streams before the early-return gate may release")
		minResultsPerService  = flag.Int("minResultsPerService", 1, "Minimum number of cached results per provider below which a blocking live search runs")
		searchTTL             = flag.Duration("searchTTL", 24*time.Hour, "Max age of cached search results per provider")
		timeoutMagnetio       = flag.Duration("timeoutMagnetio", 5*time.Second, "Per-request deadline for the MagnetIO indexer")
		timeoutScarab         = flag.Duration("timeoutScarab", 30*time.Second, "Per-request deadline for the Scarab HTML indexer. Generous because challenge solving can take a while.")
		timeoutNewshost       = flag.Duration("timeoutNewshost", 3*time.Second, "Per-request deadline for the Newshost Usenet indexer")
		gateTimeoutScarab     = flag.Duration("gateTimeoutScarab", 0, "Bump of the early-return gate timer while Scarab is enabled. 0 keeps the default gate timer.")
		resolveTimeout        = flag.Duration("resolveTimeout", 2*time.Minute, "Wall-clock budget of one resolve computation")
		resolveSuccessTTL     = flag.Duration("resolveSuccessTTL", 10*time.Minute, "How long a successful resolve is memoized")
		resolveFailTTL        = flag.Duration("resolveFailTTL", 45*time.Second, "How long a failed resolve blocks retries for the same reference")
		refreshBaseDelay      = flag.Duration("refreshBaseDelay", 30*time.Second, "Base delay of the background cache refresher")
		refreshMaxDelay       = flag.Duration("refreshMaxDelay", 30*time.Minute, "Upper bound of the background refresher's exponential backoff")
		refreshJitter         = flag.Float64("refreshJitter", 0.25, "Randomization factor of the refresher backoff, between 0 and 1")
		upsertConcurrency     = flag.Int("upsertConcurrency", 5, "Number of concurrent cache write workers")
		upsertQueueMax        = flag.Int("upsertQueueMax", 200, "Max number of queued cache writes; overflow drops the oldest entry")
		maxWriteFailures      = flag.Int("maxWriteFailures", 5, "Consecutive storage write failures before the circuit breaker opens")
		ipMaxRequests         = flag.Int("ipMaxRequests", 4, "Max number of Scarab searches per client IP per window")
		ipWindow              = flag.Duration("ipWindow", time.Minute, "Fixed window for the per-IP Scarab limit")
		ipCleanup             = flag.Duration("ipCleanup", 5*time.Minute, "Purge interval for idle per-IP limiter records")
		providerRate          = flag.Float64("providerRate", 5, "Sustained outbound searches per second per provider")
		providerBurst         = flag.Int("providerBurst", 10, "Burst size of the per-provider search token bucket")
		proxyListURL          = flag.String("proxyListURL", "", "URL of a SOCKS5 proxy list (one host:port per line) for the proxy rotator. Empty disables the rotator.")
		solverURL             = flag.String("solverURL", "", "Base URL of the browser-emulator challenge solver. Empty disables the emulator strategy.")
		imdb2metaAddr         = flag.String("imdb2metaAddr", "", "Address of the imdb2meta gRPC server. Won't be used if empty.")
		metaFallbackURL       = flag.String("metaFallbackURL", "https://v3-cinemeta.strem.io", "Base URL of the fallback metadata HTTP API")
		baseURLmagnetio       = flag.String("baseURLmagnetio", "https://api.magnetio.example", "Base URL for the MagnetIO API")
		baseURLscarab         = flag.String("baseURLscarab", "https://scarab.example", "Base URL for Scarab")
		baseURLnewshost       = flag.String("baseURLnewshost", "https://newshost.example", "Base URL for the Newshost API")
		baseURLrd             = flag.String("baseURLrd", "https://api.real-debrid.com", "Base URL for RealDebrid")
		baseURLad             = flag.String("baseURLad", "https://api.alldebrid.com", "Base URL for AllDebrid")
		baseURLpm             = flag.String("baseURLpm", "https://www.premiumize.me/api", "Base URL for Premiumize")
		useOAUTH2pm           = flag.Bool("useOAUTH2pm", false, "Whether Premiumize credentials are OAuth2 access tokens instead of API keys")
		forwardOriginIP       = flag.Bool("forwardOriginIP", false, `Forward the user's original IP address to Premiumize. The first "X-Forwarded-For" entry will be used.`)
		envPrefix             = flag.String("envPrefix", "", "Prefix for environment variables")
	)

	flag.Parse()

	if *envPrefix != "" && !strings.HasSuffix(*envPrefix, "_") {
		*envPrefix += "_"
	}
	result.EnvPrefix = *envPrefix

	// Only overwrite the values by their env var counterparts that have not
	// been set (and that *are* set via env var).
	var err error
	if !isArgSet("bindAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "BIND_ADDR"); ok {
			*bindAddr = val
		}
	}
	result.BindAddr = *bindAddr

	if !isArgSet("port") {
		if val, ok := os.LookupEnv(*envPrefix + "PORT"); ok {
			if *port, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "PORT"))
			}
		}
	}
	result.Port = *port

	if !isArgSet("baseURL") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL"); ok {
			*baseURL = val
		}
	}
	result.BaseURL = *baseURL

	if !isArgSet("storagePath") {
		if val, ok := os.LookupEnv(*envPrefix + "STORAGE_PATH"); ok {
			*storagePath = val
		}
	}
	result.StoragePath = *storagePath

	if !isArgSet("redisAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_ADDR"); ok {
			*redisAddr = val
		}
	}
	result.RedisAddr = *redisAddr

	if !isArgSet("redisCreds") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_CREDS"); ok {
			*redisCreds = val
		}
	}
	result.RedisCreds = *redisCreds

	if !isArgSet("logLevel") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_LEVEL"); ok {
			*logLevel = val
		}
	}
	result.LogLevel = *logLevel

	if !isArgSet("logEncoding") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_ENCODING"); ok {
			*logEncoding = val
		}
	}
	result.LogEncoding = *logEncoding

	if !isArgSet("earlyReturnEnabled") {
		if val, ok := os.LookupEnv(*envPrefix + "EARLY_RETURN_ENABLED"); ok {
			if *earlyReturnEnabled, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "EARLY_RETURN_ENABLED"))
			}
		}
	}
	result.EarlyReturnEnabled = *earlyReturnEnabled

	if !isArgSet("earlyReturnTimeout") {
		if val, ok := os.LookupEnv(*envPrefix + "EARLY_RETURN_TIMEOUT"); ok {
			if *earlyReturnTimeout, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "EARLY_RETURN_TIMEOUT"))
			}
		}
	}
	result.EarlyReturnTimeout = *earlyReturnTimeout

	if !isArgSet("earlyReturnMinStreams") {
		if val, ok := os.LookupEnv(*envPrefix + "EARLY_RETURN_MIN_STREAMS"); ok {
			if *earlyReturnMinStreams, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "EARLY_RETURN_MIN_STREAMS"))
			}
		}
	}
	result.EarlyReturnMinStreams = *earlyReturnMinStreams

	if !isArgSet("minResultsPerService") {
		if val, ok := os.LookupEnv(*envPrefix + "MIN_RESULTS_PER_SERVICE"); ok {
			if *minResultsPerService, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MIN_RESULTS_PER_SERVICE"))
			}
		}
	}
	result.MinResultsPerService = *minResultsPerService

	if !isArgSet("searchTTL") {
		if val, ok := os.LookupEnv(*envPrefix + "SEARCH_TTL"); ok {
			if *searchTTL, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "SEARCH_TTL"))
			}
		}
	}
	result.SearchTTL = *searchTTL

	if !isArgSet("timeoutMagnetio") {
		if val, ok := os.LookupEnv(*envPrefix + "TIMEOUT_MAGNETIO"); ok {
			if *timeoutMagnetio, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "TIMEOUT_MAGNETIO"))
			}
		}
	}
	result.TimeoutMagnetio = *timeoutMagnetio

	if !isArgSet("timeoutScarab") {
		if val, ok := os.LookupEnv(*envPrefix + "TIMEOUT_SCARAB"); ok {
			if *timeoutScarab, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "TIMEOUT_SCARAB"))
			}
		}
	}
	result.TimeoutScarab = *timeoutScarab

	if !isArgSet("timeoutNewshost") {
		if val, ok := os.LookupEnv(*envPrefix + "TIMEOUT_NEWSHOST"); ok {
			if *timeoutNewshost, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "TIMEOUT_NEWSHOST"))
			}
		}
	}
	result.TimeoutNewshost = *timeoutNewshost

	if !isArgSet("gateTimeoutScarab") {
		if val, ok := os.LookupEnv(*envPrefix + "GATE_TIMEOUT_SCARAB"); ok {
			if *gateTimeoutScarab, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "GATE_TIMEOUT_SCARAB"))
			}
		}
	}
	result.GateTimeoutScarab = *gateTimeoutScarab

	if !isArgSet("resolveTimeout") {
		if val, ok := os.LookupEnv(*envPrefix + "RESOLVE_TIMEOUT"); ok {
			if *resolveTimeout, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "RESOLVE_TIMEOUT"))
			}
		}
	}
	result.ResolveTimeout = *resolveTimeout

	if !isArgSet("resolveSuccessTTL") {
		if val, ok := os.LookupEnv(*envPrefix + "RESOLVE_SUCCESS_TTL"); ok {
			if *resolveSuccessTTL, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "RESOLVE_SUCCESS_TTL"))
			}
		}
	}
	result.ResolveSuccessTTL = *resolveSuccessTTL

	if !isArgSet("resolveFailTTL") {
		if val, ok := os.LookupEnv(*envPrefix + "RESOLVE_FAIL_TTL"); ok {
			if *resolveFailTTL, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "RESOLVE_FAIL_TTL"))
			}
		}
	}
	result.ResolveFailTTL = *resolveFailTTL

	if !isArgSet("refreshBaseDelay") {
		if val, ok := os.LookupEnv(*envPrefix + "REFRESH_BASE_DELAY"); ok {
			if *refreshBaseDelay, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "REFRESH_BASE_DELAY"))
			}
		}
	}
	result.RefreshBaseDelay = *refreshBaseDelay

	if !isArgSet("refreshMaxDelay") {
		if val, ok := os.LookupEnv(*envPrefix + "REFRESH_MAX_DELAY"); ok {
			if *refreshMaxDelay, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "REFRESH_MAX_DELAY"))
			}
		}
	}
	result.RefreshMaxDelay = *refreshMaxDelay

	if !isArgSet("refreshJitter") {
		if val, ok := os.LookupEnv(*envPrefix + "REFRESH_JITTER"); ok {
			if *refreshJitter, err = strconv.ParseFloat(val, 64); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to float64", zap.Error(err), zap.String("envVar", "REFRESH_JITTER"))
			}
		}
	}
	result.RefreshJitter = *refreshJitter

	if !isArgSet("upsertConcurrency") {
		if val, ok := os.LookupEnv(*envPrefix + "UPSERT_CONCURRENCY"); ok {
			if *upsertConcurrency, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "UPSERT_CONCURRENCY"))
			}
		}
	}
	result.UpsertConcurrency = *upsertConcurrency

	if !isArgSet("upsertQueueMax") {
		if val, ok := os.LookupEnv(*envPrefix + "UPSERT_QUEUE_MAX"); ok {
			if *upsertQueueMax, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "UPSERT_QUEUE_MAX"))
			}
		}
	}
	result.UpsertQueueMax = *upsertQueueMax

	if !isArgSet("maxWriteFailures") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_WRITE_FAILURES"); ok {
			if *maxWriteFailures, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_WRITE_FAILURES"))
			}
		}
	}
	result.MaxWriteFailures = *maxWriteFailures

	if !isArgSet("ipMaxRequests") {
		if val, ok := os.LookupEnv(*envPrefix + "IP_MAX_REQUESTS"); ok {
			if *ipMaxRequests, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "IP_MAX_REQUESTS"))
			}
		}
	}
	result.IPMaxRequests = *ipMaxRequests

	if !isArgSet("ipWindow") {
		if val, ok := os.LookupEnv(*envPrefix + "IP_WINDOW"); ok {
			if *ipWindow, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "IP_WINDOW"))
			}
		}
	}
	result.IPWindow = *ipWindow

	if !isArgSet("ipCleanup") {
		if val, ok := os.LookupEnv(*envPrefix + "IP_CLEANUP"); ok {
			if *ipCleanup, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "IP_CLEANUP"))
			}
		}
	}
	result.IPCleanup = *ipCleanup

	if !isArgSet("providerRate") {
		if val, ok := os.LookupEnv(*envPrefix + "PROVIDER_RATE"); ok {
			if *providerRate, err = strconv.ParseFloat(val, 64); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to float64", zap.Error(err), zap.String("envVar", "PROVIDER_RATE"))
			}
		}
	}
	result.ProviderRate = *providerRate

	if !isArgSet("providerBurst") {
		if val, ok := os.LookupEnv(*envPrefix + "PROVIDER_BURST"); ok {
			if *providerBurst, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "PROVIDER_BURST"))
			}
		}
	}
	result.ProviderBurst = *providerBurst

	if !isArgSet("proxyListURL") {
		if val, ok := os.LookupEnv(*envPrefix + "PROXY_LIST_URL"); ok {
			*proxyListURL = val
		}
	}
	result.ProxyListURL = *proxyListURL

	if !isArgSet("solverURL") {
		if val, ok := os.LookupEnv(*envPrefix + "SOLVER_URL"); ok {
			*solverURL = val
		}
	}
	result.SolverURL = *solverURL

	if !isArgSet("imdb2metaAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "IMDB2META_ADDR"); ok {
			*imdb2metaAddr = val
		}
	}
	result.IMDB2metaAddr = *imdb2metaAddr

	if !isArgSet("metaFallbackURL") {
		if val, ok := os.LookupEnv(*envPrefix + "META_FALLBACK_URL"); ok {
			*metaFallbackURL = val
		}
	}
	result.MetaFallbackURL = *metaFallbackURL

	if !isArgSet("baseURLmagnetio") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_MAGNETIO"); ok {
			*baseURLmagnetio = val
		}
	}
	result.BaseURLmagnetio = *baseURLmagnetio

	if !isArgSet("baseURLscarab") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_SCARAB"); ok {
			*baseURLscarab = val
		}
	}
	result.BaseURLscarab = *baseURLscarab

	if !isArgSet("baseURLnewshost") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_NEWSHOST"); ok {
			*baseURLnewshost = val
		}
	}
	result.BaseURLnewshost = *baseURLnewshost

	if !isArgSet("baseURLrd") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_RD"); ok {
			*baseURLrd = val
		}
	}
	result.BaseURLrd = *baseURLrd

	if !isArgSet("baseURLad") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_AD"); ok {
			*baseURLad = val
		}
	}
	result.BaseURLad = *baseURLad

	if !isArgSet("baseURLpm") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_PM"); ok {
			*baseURLpm = val
		}
	}
	result.BaseURLpm = *baseURLpm

	if !isArgSet("useOAUTH2pm") {
		if val, ok := os.LookupEnv(*envPrefix + "USE_OAUTH2_PM"); ok {
			if *useOAUTH2pm, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "USE_OAUTH2_PM"))
			}
		}
	}
	result.UseOAUTH2pm = *useOAUTH2pm

	if !isArgSet("forwardOriginIP") {
		if val, ok := os.LookupEnv(*envPrefix + "FORWARD_ORIGIN_IP"); ok {
			if *forwardOriginIP, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "FORWARD_ORIGIN_IP"))
			}
		}
	}
	result.ForwardOriginIP = *forwardOriginIP

	return result
}

// isArgSet returns true if the argument is found in the list of arguments the
// program was called with.
func isArgSet(arg string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == arg {
			found = true
		}
	})
	return found
}
