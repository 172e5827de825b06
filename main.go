package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mpraski/admission-gateway/app/authentication"
	"github.com/mpraski/admission-gateway/app/proxy"
	"github.com/mpraski/admission-gateway/app/ratelimit"
	"github.com/mpraski/admission-gateway/app/secret"
	"github.com/mpraski/admission-gateway/app/store"
	"github.com/mpraski/admission-gateway/server"
)

type input struct {
	Config   string `required:"true"`
	Version  string `default:"dev"`
	LogLevel string `split_words:"true" default:"warn"`
	Server   struct {
		Address         string        `default:":8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"5s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10s"`
		IdleTimeout     time.Duration `split_words:"true" default:"15s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
	Observability struct {
		Address string `default:":9090"`
	}
	Internal struct {
		Address string `default:":9091"`
	}
	GRPC struct {
		// Empty disables the gRPC listener.
		Address string
	}
	Redis struct {
		Host           string
		Port           int           `default:"6379"`
		DB             int           `default:"0"`
		PasswordSecret string        `split_words:"true"`
		DialTimeout    time.Duration `split_words:"true" default:"100ms"`
		ReadTimeout    time.Duration `split_words:"true" default:"100ms"`
		WriteTimeout   time.Duration `split_words:"true" default:"100ms"`
		PoolSize       int           `split_words:"true" default:"0"`
	}
	Secrets struct {
		Source    string        `default:"env"`
		ProjectID string        `split_words:"true"`
		Version   string        `default:"latest"`
		Tries     int           `default:"3"`
		Backoff   time.Duration `default:"1s"`
	}
	RateLimit struct {
		StoreTimeout        time.Duration `split_words:"true" default:"100ms"`
		MaxWindow           time.Duration `split_words:"true" default:"24h"`
		LocalShards         int           `split_words:"true" default:"64"`
		DegradedLogInterval time.Duration `split_words:"true" default:"30s"`
	}
}

var (
	app = "admission_gateway"
	// Metrics
	requestsRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_gateway_requests_routed_total",
		Help: "The total number of routed requests",
	}, []string{"method", "category", "code"})
	requestsRoutedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admission_gateway_requests_routed_duration_seconds",
		Help:    "The histogram of routed request duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.WarnLevel)
}

func main() {
	var i input
	if err := envconfig.Process(app, &i); err != nil {
		log.Fatalf("failed to load input: %v\n", err)
	}

	level, err := log.ParseLevel(i.LogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v\n", err)
	}

	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := secret.NewSource(ctx, i.Secrets.Source, i.Secrets.ProjectID,
		secret.WithSecretVersion(i.Secrets.Version),
	)
	if err != nil {
		log.Fatalf("failed to initialize secret source: %v\n", err)
	}

	defer closeSource()

	secrets := secret.NewBackoffSource(i.Secrets.Tries, i.Secrets.Backoff, source)

	rateLimitConfig, err := ratelimit.ParseConfig(strings.NewReader(i.Config))
	if err != nil {
		log.Fatalf("failed to parse rate limit config: %v\n", err)
	}

	registry, err := ratelimit.NewRegistry(i.RateLimit.MaxWindow, rateLimitConfig.Policies...)
	if err != nil {
		log.Fatalf("failed to initialize rate limit policies: %v\n", err)
	}

	metrics, err := ratelimit.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("failed to register rate limit metrics: %v\n", err)
	}

	var (
		local                             = ratelimit.NewLocalStore(i.RateLimit.LocalShards)
		primary    ratelimit.CounterStore = local
		pinger     server.Pinger
		engineOpts = []ratelimit.EngineOption{
			ratelimit.WithMetrics(metrics),
			ratelimit.WithDegradedLogInterval(i.RateLimit.DegradedLogInterval),
		}
	)

	redisConfig := store.RedisConfig{
		Host:         i.Redis.Host,
		Port:         i.Redis.Port,
		DB:           i.Redis.DB,
		DialTimeout:  i.Redis.DialTimeout,
		ReadTimeout:  i.Redis.ReadTimeout,
		WriteTimeout: i.Redis.WriteTimeout,
		PoolSize:     i.Redis.PoolSize,
	}

	if redisConfig.Enabled() {
		if i.Redis.PasswordSecret != "" {
			password, err := secrets.Get(ctx, i.Redis.PasswordSecret)
			if err != nil {
				log.Fatalf("failed to get redis password: %v\n", err)
			}

			redisConfig.Password = string(password)
		}

		client := store.NewRedisClient(redisConfig)
		defer client.Close()

		if err := store.Ping(ctx, client); err != nil {
			log.WithError(err).Warn("redis is unreachable, starting on the local store")
		}

		shared := ratelimit.NewSortedSetStore(client,
			ratelimit.WithKeyPrefix(rateLimitConfig.KeyPrefix),
			ratelimit.WithStoreTimeout(i.RateLimit.StoreTimeout),
		)

		primary, pinger = shared, shared
		engineOpts = append(engineOpts, ratelimit.WithFallback(local))
	} else {
		log.Warn("no shared store configured, limits are enforced per instance")
	}

	var (
		engine   = ratelimit.NewEngine(primary, engineOpts...)
		resolver = ratelimit.NewResolver(
			ratelimit.WithAPIKeyHeader(rateLimitConfig.APIKeyHeader),
			ratelimit.WithTrustForwardedFor(rateLimitConfig.TrustForwardedFor),
			ratelimit.WithSubject(authentication.SubjectFrom),
		)
		admission = ratelimit.NewAdmission(engine, registry, resolver, ratelimit.WithAdmissionMetrics(metrics))
	)

	schemes, err := authentication.MakeSchemes(ctx, strings.NewReader(i.Config), secrets)
	if err != nil {
		log.Fatalf("failed to initialize authentication schemes: %v\n", err)
	}

	p, err := proxy.New(strings.NewReader(i.Config), schemes)
	if err != nil {
		log.Fatalf("failed to initialize proxy: %v\n", err)
	}

	defer p.Close()

	h := p.Handler(admission)
	h = proxy.WithMetrics(requestsRoutedTotal, requestsRoutedDuration, p)(h)
	h = proxy.WithLogging()(h)

	var ready atomic.Bool

	healthz, err := server.NewHealth(app, i.Version, &ready, pinger)
	if err != nil {
		log.Fatalf("failed to initialize health checks: %v\n", err)
	}

	var (
		timeouts = server.Config{
			ReadTimeout:  i.Server.ReadTimeout,
			WriteTimeout: i.Server.WriteTimeout,
			IdleTimeout:  i.Server.IdleTimeout,
		}
		gateway       = server.New(withAddress(timeouts, i.Server.Address), h)
		observability = server.NewObservability(withAddress(timeouts, i.Observability.Address), healthz)
		internal      = server.NewInternal(withAddress(timeouts, i.Internal.Address), registry)
		servers       = []*http.Server{gateway, observability, internal}
		group, gctx   = errgroup.WithContext(ctx)
		rpc           *grpc.Server
	)

	for _, s := range servers {
		s := s

		group.Go(func() error {
			log.Println("starting server at", s.Addr)

			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	if i.GRPC.Address != "" {
		lis, err := net.Listen("tcp", i.GRPC.Address)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v\n", i.GRPC.Address, err)
		}

		rpc = grpc.NewServer(grpc.UnaryInterceptor(ratelimit.UnaryServerInterceptor(admission, p)))
		healthpb.RegisterHealthServer(rpc, health.NewServer())

		group.Go(func() error {
			log.Println("starting grpc server at", i.GRPC.Address)
			return rpc.Serve(lis)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		log.Println("server is shutting down...")
		ready.Store(false)

		sctx, cancel := context.WithTimeout(context.Background(), i.Server.ShutdownTimeout)
		defer cancel()

		if rpc != nil {
			rpc.GracefulStop()
		}

		var err error

		for _, s := range servers {
			s.SetKeepAlivesEnabled(false)

			if serr := s.Shutdown(sctx); serr != nil {
				err = errors.Join(err, serr)
			}
		}

		return err
	})

	log.Println("server is ready to handle requests at", i.Server.Address)
	ready.Store(true)

	if err := group.Wait(); err != nil {
		log.Fatalf("server failed: %v\n", err)
	}

	log.Println("server stopped")
}

func withAddress(c server.Config, address string) server.Config {
	c.Address = address
	return c
}
