package server

import (
	"net/http"

	"github.com/mpraski/admission-gateway/app/ratelimit"
)

// NewInternal serves administrative endpoints. It must not be exposed
// outside the cluster.
func NewInternal(config Config, registry *ratelimit.Registry) *http.Server {
	router := http.NewServeMux()
	router.Handle("/internal/policies", ratelimit.NewPoliciesHandler(registry))

	return New(config, router)
}
