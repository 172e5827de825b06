package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type (
	// Admission is the request pipeline hook in front of the engine. It never
	// fails: any internal fault admits the request and is logged.
	Admission struct {
		engine   *Engine
		registry *Registry
		resolver *Resolver
		logger   log.FieldLogger
		metrics  *Metrics
	}

	AdmissionOption func(*Admission)

	Outcome struct {
		Decision
		Key Key
		// FailedOpen is set when the request was admitted because the
		// limiter itself failed; no decision metadata is available.
		FailedOpen bool
	}
)

func WithAdmissionLogger(logger log.FieldLogger) AdmissionOption {
	return func(a *Admission) { a.logger = logger }
}

func WithAdmissionMetrics(m *Metrics) AdmissionOption {
	return func(a *Admission) { a.metrics = m }
}

func NewAdmission(engine *Engine, registry *Registry, resolver *Resolver, opts ...AdmissionOption) *Admission {
	a := &Admission{
		engine:   engine,
		registry: registry,
		resolver: resolver,
		logger:   log.StandardLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Describe builds the descriptor for an HTTP request. A panicking classifier
// or subject lookup degrades to the bare request line and address.
func (a *Admission) Describe(r *http.Request, c Classifier) (d Descriptor) {
	defer func() {
		if v := recover(); v != nil {
			a.logger.WithField("error", fmt.Sprintf("%+v", recoveredEngineError(v))).Warn("failed to describe request")

			d = Descriptor{Method: r.Method, Path: r.URL.Path, RemoteAddr: normalizeAddr(r.RemoteAddr)}
		}
	}()

	return a.resolver.Describe(r, c)
}

func (a *Admission) Admit(ctx context.Context, d Descriptor) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = a.failOpen(d, o.Key, recoveredEngineError(r))
		}
	}()

	var (
		k = a.resolver.Resolve(d)
		p = a.registry.Lookup(k.Category)
	)

	// unregistered categories share the default policy's counters
	k.Category = p.Category
	o.Key = k

	dec, err := a.engine.Check(ctx, k, p)
	if err != nil {
		return a.failOpen(d, k, err)
	}

	o.Decision = dec

	return o
}

func (a *Admission) failOpen(d Descriptor, k Key, err error) Outcome {
	a.metrics.failOpen()

	a.logger.WithFields(log.Fields{
		"method":   d.Method,
		"path":     d.Path,
		"category": k.Category,
		"key":      k.Identifier,
		"error":    fmt.Sprintf("%+v", err),
	}).Warn("rate limiter failed, admitting request")

	return Outcome{Decision: Decision{Admitted: true}, Key: k, FailedOpen: true}
}

func (o Outcome) Headers() map[string]string {
	if o.FailedOpen {
		return nil
	}

	return o.Decision.Headers()
}
