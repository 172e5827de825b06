package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hellofresh/health-go/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pinger interface {
	Ping(context.Context) error
}

const checkTimeout = time.Second

var errShuttingDown = errors.New("gateway is shutting down")

func NewObservability(config Config, healthz http.Handler) *http.Server {
	router := http.NewServeMux()
	router.Handle("/healthz", healthz)
	router.Handle("/metrics", promhttp.Handler())

	return New(config, router)
}

// NewHealth reports unavailable once ready is cleared. The shared store
// check only degrades the status: admission keeps working on the local
// store while it fails.
func NewHealth(name, version string, ready *atomic.Bool, store Pinger) (http.Handler, error) {
	checks := []health.Config{{
		Name:    "gateway",
		Timeout: checkTimeout,
		Check: func(context.Context) error {
			if !ready.Load() {
				return errShuttingDown
			}

			return nil
		},
	}}

	if store != nil {
		checks = append(checks, health.Config{
			Name:      "redis",
			Timeout:   checkTimeout,
			SkipOnErr: true,
			Check:     store.Ping,
		})
	}

	h, err := health.New(
		health.WithComponent(health.Component{Name: name, Version: version}),
		health.WithChecks(checks...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize health checks: %w", err)
	}

	return h.Handler(), nil
}
