package main

import (
	"context"
	"crypto/x509/pkix"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jnovack/flag"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/accesslog"
	"github.com/jnovack/gemini-gateway/pkg/admin"
	"github.com/jnovack/gemini-gateway/pkg/ca"
	"github.com/jnovack/gemini-gateway/pkg/cache"
	"github.com/jnovack/gemini-gateway/pkg/config"
	"github.com/jnovack/gemini-gateway/pkg/fetch"
	"github.com/jnovack/gemini-gateway/pkg/gateway"
	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/logging"
	"github.com/jnovack/gemini-gateway/pkg/mount"
	"github.com/jnovack/gemini-gateway/pkg/signals"
)

var def = config.Default()

var (
	flagConfig      = flag.String("config-file", "", "YAML configuration file, overrides flags")
	flagHostname    = flag.String("hostname", def.Hostname, "hostname of the gateway, used in rewritten links")
	flagListen      = flag.String("listen", def.Listen, "gemini listen address")
	flagPort        = flag.Int("port", def.Port, "gemini port used in rewritten links")
	flagMode        = flag.String("mode", def.Mode, "enabled modes: server, proxy or server,proxy")
	flagCert        = flag.String("cert", "", "gemini TLS certificate file")
	flagKey         = flag.String("key", "", "gemini TLS key file")
	flagAdminAddr   = flag.String("admin-addr", "", "admin HTTP listen address, empty disables it")
	flagLogLevel    = flag.String("log-level", def.LogLevel, "log level: debug|info|warn|error")
	flagLogFormat   = flag.String("log-format", def.LogFormat, "log format: console|json")
	flagCacheDir    = flag.String("cache", def.CachePath, "cache directory")
	flagCacheEnable = flag.Bool("cache-enable", def.CacheEnable, "cache every page by default")
	flagCacheSize   = flag.Int64("cache-size-limit", def.CacheSizeLimit, "cache size limit in megabytes, 0 for unbounded")
	flagEviction    = flag.String("cache-eviction-policy", def.CacheEvictionPolicy, "least-recently-stored|least-recently-used|least-frequently-used|none")
	flagTTL         = flag.Int("cache-ttl-default", def.CacheTTLDefault, "default cache lifetime in seconds")
	flagVerifySSL   = flag.Bool("verify-ssl", def.VerifySSL, "verify origin certificates")
	flagSocks5      = flag.String("socks5-proxy", "", "SOCKS5 proxy as host:port")
	flagTor         = flag.Bool("tor", false, "fetch through tor at localhost:9050")
	flagHTTPSOnly   = flag.Bool("https-only", false, "never fall back to plain http")
	flagTimeout     = flag.Duration("fetch-timeout", def.FetchTimeout, "origin fetch timeout")
	flagMaxDocSize  = flag.Int("max-doc-size", def.MaxDocSize, "largest document converted to gemtext, in bytes")
	flagLinks       = flag.String("links-mode", def.LinksMode, "gemtext links mode: paragraph|newline|at-end|copy|off")
	flagFeathers    = flag.Int("feathers", def.FeathersDefault, "default feathers level 0-7")
	flagPersistLog  = flag.Bool("persist-access-log", false, "persist the access log in the cache")
	flagAllow       = flag.String("client-ip-allow", "", "comma separated list of allowed client networks")
	flagRate        = flag.Float64("rate-limit", 0, "requests per second per client, 0 disables limiting")
)

func flagsConfig() config.Config {
	c := def
	c.Hostname = *flagHostname
	c.Listen = *flagListen
	c.Port = *flagPort
	c.Mode = *flagMode
	c.GeminiCert = *flagCert
	c.GeminiKey = *flagKey
	c.AdminListen = *flagAdminAddr
	c.LogLevel = *flagLogLevel
	c.LogFormat = *flagLogFormat
	c.CachePath = *flagCacheDir
	c.CacheEnable = *flagCacheEnable
	c.CacheSizeLimit = *flagCacheSize
	c.CacheEvictionPolicy = *flagEviction
	c.CacheTTLDefault = *flagTTL
	c.VerifySSL = *flagVerifySSL
	c.Socks5Proxy = *flagSocks5
	c.Tor = *flagTor
	c.HTTPSOnly = *flagHTTPSOnly
	c.FetchTimeout = *flagTimeout
	c.MaxDocSize = *flagMaxDocSize
	c.LinksMode = *flagLinks
	c.FeathersDefault = *flagFeathers
	c.PersistAccessLog = *flagPersistLog
	c.RateLimit = *flagRate
	if *flagAllow != "" {
		c.ClientIPAllow = strings.Split(*flagAllow, ",")
	}
	return c
}

func loadIdentity(cfg *config.Config) (*ca.Identity, error) {
	if cfg.GeminiCert != "" || cfg.GeminiKey != "" {
		return ca.LoadFiles(cfg.GeminiCert, cfg.GeminiKey)
	}
	return ca.LoadOrGenerate(cfg.CachePath, cfg.Hostname, pkix.Name{CommonName: cfg.Hostname})
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.Load(*flagConfig, flagsConfig())
	if err != nil {
		log.Fatal().Err(err).Str("file", *flagConfig).Msg("failed to load configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	metrics := admin.NewMetrics()

	store, err := cache.Open(cfg.CacheOptions())
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.CachePath).Msg("failed to open cache")
	}

	metrics.Registry().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gemini_gateway_cache_bytes",
		Help: "Payload bytes currently held by the cache.",
	}, func() float64 { return float64(store.Used()) }))

	fetcher := fetch.New(cfg.FetchOptions())
	mounts := mount.OpenAll(cfg.MountConfigs())
	alog := accesslog.New(cfg.AccessLogMax, store)

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh, func() {
		if cfg.PersistAccessLog && alog.Flush(context.Background()) {
			log.Info().Msg("access log flushed")
		}
	})

	store.StartJanitor(ctx, time.Minute)
	if cfg.PersistAccessLog {
		if n := alog.Load(ctx); n > 0 {
			log.Info().Int("lines", n).Msg("access log restored")
		}
		go alog.Run(ctx, accesslog.FlushInterval)
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Fetcher:   fetcher,
		Cache:     store,
		AccessLog: alog,
		Mounts:    mounts,
		Metrics:   metrics,
		Observer:  metrics.Observer(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}

	id, err := loadIdentity(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load TLS identity")
	}

	var adminSrv *http.Server
	if cfg.AdminListen != "" {
		adminSrv = &http.Server{
			Addr:              cfg.AdminListen,
			Handler:           admin.NewMux(metrics, func() interface{} { return cfg }, id.PEM()),
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.AdminListen).Msg("admin HTTP starting")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("admin HTTP failed")
			}
		}()
	}

	srv := &gemini.Server{
		Addr:         cfg.Listen,
		TLSConfig:    id.TLSConfig(),
		Handler:      gw,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start gemini server")
	}
	log.Info().
		Str("hostname", cfg.Hostname).
		Int("port", cfg.Port).
		Str("mode", cfg.Mode).
		Str("cache", cfg.CachePath).
		Str("fingerprint", id.Fingerprint()).
		Int("rules", len(cfg.AllRules())).
		Int("mounts", len(mounts)).
		Msg("gemini gateway started")

	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn().Err(err).Msg("gemini server shutdown")
	}
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shCtx)
	}
	if cfg.PersistAccessLog {
		alog.Flush(shCtx)
	}
	_ = mounts.Close()
	_ = fetcher.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("cache close")
	}
	log.Info().Msg("gemini gateway stopped")
}
