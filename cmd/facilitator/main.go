package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tollgatehq/tollgate/internal/facilitator"
	"github.com/tollgatehq/tollgate/internal/quote/repo/pg"
	"github.com/tollgatehq/tollgate/internal/resilient"
	"github.com/tollgatehq/tollgate/internal/signer"
	"github.com/tollgatehq/tollgate/internal/verifier"
)

var (
	commit    string
	buildDate string
)

func main() {
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

	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		log.WithError(err).Error("rpc dial")
		os.Exit(1)
	}
	defer rpc.Close()

	breaker := resilient.NewBreaker(resilient.BreakerOptions{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     time.Duration(cfg.BreakerResetSeconds) * time.Second,
	})
	inv := resilient.New(resilient.Options{
		MaxAttempts: cfg.MaxAttempts,
	}, breaker)
	chain := verifier.New(rpc, inv, cfg.Network)

	sig, err := signer.New(cfg.SigningKey)
	if err != nil {
		log.WithError(err).Error("signer")
		os.Exit(1)
	}
	log.WithField("signer", sig.Address()).Info("verdict signer ready")

	svc := facilitator.New(repo, chain, sig, cfg.TokenContracts(),
		time.Duration(cfg.SignatureTTLMinutes)*time.Minute)

	h := handlers{
		svc:   svc,
		db:    repo,
		chain: rpc,
		log:   log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(metricsMiddleware)

	r.Post("/verify", h.handleVerify)
	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	port := fmt.Sprintf(":%d", cfg.Port)

	log.WithField("port", port).Info("facilitator listening")

	http.ListenAndServe(port, r)
}
