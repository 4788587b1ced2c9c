package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tollgatehq/tollgate/internal/facilitator"
	"github.com/tollgatehq/tollgate/internal/pricing"
	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/quote/repo/pg"
	"github.com/tollgatehq/tollgate/internal/ratelimit"
	"github.com/tollgatehq/tollgate/internal/replay"
	"github.com/tollgatehq/tollgate/internal/resilient"
)

var (
	commit    string
	buildDate string
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "location of config file. If none is specified config will be loaded from the environment")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	log.WithFields(logrus.Fields{"commit": commit, "date": buildDate}).Info("build info")

	var (
		cfg Config
		err error
	)
	if *configPath != "" {
		log.WithField("path", *configPath).Info("loading config from file")
		err = cfg.Load(*configPath)
	} else {
		log.Info("loading config from env")
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		log.WithError(err).Error("config")
		os.Exit(1)
	}

	repo, err := pg.New(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Error("postgres")
		os.Exit(1)
	}
	defer repo.Close()

	// Seed the endpoint catalog from config.
	for _, e := range cfg.Endpoints {
		if err := repo.UpsertEndpoint(ctx, e.toEndpoint()); err != nil {
			log.WithError(err).WithField("slug", e.Slug).Error("seed endpoint")
			os.Exit(1)
		}
	}
	log.WithField("endpoints", len(cfg.Endpoints)).Info("endpoint catalog seeded")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Error("redis url")
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	priceFn, err := pricing.FixedRate(cfg.USDPerNativeUnit)
	if err != nil {
		log.WithError(err).Error("pricing")
		os.Exit(1)
	}

	breaker := resilient.NewBreaker(resilient.BreakerOptions{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     time.Duration(cfg.BreakerResetSeconds) * time.Second,
	})
	verifyClient := facilitator.NewClient(cfg.FacilitatorURL+"/verify", resilient.Options{
		MaxAttempts: cfg.MaxAttempts,
	}, breaker)

	svc := quote.New(quote.Config{
		Network:           cfg.Network,
		QuoteTTL:          time.Duration(cfg.QuoteTTLSeconds) * time.Second,
		FacilitatorURL:    cfg.FacilitatorURL,
		FacilitatorSigner: cfg.FacilitatorSigner,
	},
		repo,
		verifyClient,
		replay.New(rdb, 0),
		replay.NewNonceStore(rdb),
		priceFn,
	)

	h := handlers{
		svc:     svc,
		db:      repo,
		rdb:     rdb,
		limiter: ratelimit.New(rdb, time.Duration(cfg.RateLimitWindowSeconds)*time.Second, cfg.RateLimitMax),
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", paymentHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metricsMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimitMiddleware)
		r.Get("/route-quote/{slug}", h.handleResource)
	})
	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	port := fmt.Sprintf(":%d", cfg.Port)

	log.WithField("port", port).Info("merchant listening")

	http.ListenAndServe(port, r)
}
