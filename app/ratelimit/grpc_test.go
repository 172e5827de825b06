package ratelimit

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestUnaryServerInterceptor(t *testing.T) {
	var (
		a = newTestAdmission(t, NewLocalStore(0))
		c = ClassifierFunc(func(_, path string) Category {
			if path == "/auth.v1.Auth/Login" {
				return Authentication
			}

			return Default
		})
		interceptor = UnaryServerInterceptor(a, c)
		info        = &grpc.UnaryServerInfo{FullMethod: "/auth.v1.Auth/Login"}
		ctx         = peer.NewContext(context.Background(), &peer.Peer{
			Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5000},
		})
		calls int
	)

	handler := func(context.Context, interface{}) (interface{}, error) {
		calls++
		return "ok", nil
	}

	for i := 0; i < 2; i++ {
		resp, err := interceptor(ctx, nil, info, handler)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}

		if resp != "ok" {
			t.Fatalf("call %d: unexpected response %v", i+1, resp)
		}
	}

	_, err := interceptor(ctx, nil, info, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected the handler to be skipped on denial, got %d calls", calls)
	}
}

func TestUnaryServerInterceptor_FailsOpen(t *testing.T) {
	tests := []struct {
		name       string
		store      CounterStore
		classifier Classifier
		message    string
	}{
		{
			name:       "store error",
			store:      &stubStore{err: errors.New("boom")},
			classifier: ClassifierFunc(func(string, string) Category { return Authentication }),
			message:    "rate limiter failed, admitting request",
		},
		{
			name:  "classifier panic",
			store: NewLocalStore(0),
			classifier: ClassifierFunc(func(string, string) Category {
				panic("classifier exploded")
			}),
			message: "failed to describe call",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				logger, hook = test.NewNullLogger()
				a            = newTestAdmission(t, tt.store, WithAdmissionLogger(logger))
				interceptor  = UnaryServerInterceptor(a, tt.classifier)
				info         = &grpc.UnaryServerInfo{FullMethod: "/auth.v1.Auth/Login"}
				ctx          = peer.NewContext(context.Background(), &peer.Peer{
					Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 5000},
				})
				calls int
			)

			handler := func(context.Context, interface{}) (interface{}, error) {
				calls++
				return "ok", nil
			}

			resp, err := interceptor(ctx, nil, info, handler)
			if err != nil {
				t.Fatalf("expected the call to pass, got %v", err)
			}

			if resp != "ok" || calls != 1 {
				t.Fatalf("expected the handler to run once, got %v after %d calls", resp, calls)
			}

			var logged bool

			for _, e := range hook.AllEntries() {
				if e.Message == tt.message {
					logged = true
				}
			}

			if !logged {
				t.Fatalf("expected %q to be logged, got %v", tt.message, hook.AllEntries())
			}

			if _, ok := tt.store.(*stubStore); ok {
				if h := a.Admit(ctx, a.DescribeRPC(ctx, info.FullMethod, tt.classifier)).Headers(); h != nil {
					t.Fatalf("expected no rate limit metadata when failing open, got %v", h)
				}
			}
		})
	}
}

func TestAdmission_DescribeRPCRecoversSubjectPanic(t *testing.T) {
	var (
		logger, _ = test.NewNullLogger()
		r         = NewResolver(WithSubject(func(context.Context) string { panic("subject lookup failed") }))
		a         = NewAdmission(NewEngine(NewLocalStore(0)), mustRegistry(t), r, WithAdmissionLogger(logger))
		ctx       = peer.NewContext(context.Background(), &peer.Peer{
			Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5000},
		})
	)

	d := a.DescribeRPC(ctx, "/catalog.v1.Catalog/List", nil)
	if d.RemoteAddr != "10.0.0.7" || d.Path != "/catalog.v1.Catalog/List" || d.Subject != "" {
		t.Fatalf("expected a bare descriptor, got %+v", d)
	}

	if o := a.Admit(ctx, d); !o.Admitted || o.Key.Identifier != "ip:10.0.0.7" {
		t.Fatalf("expected the call to be counted by address, got %+v", o)
	}
}

func mustRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := NewRegistry(0, mustPolicy(t, Default, 100, 60, 0))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	return r
}

func TestResolver_DescribeRPC(t *testing.T) {
	var (
		r   = NewResolver()
		ctx = peer.NewContext(context.Background(), &peer.Peer{
			Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5000},
		})
	)

	d := r.DescribeRPC(ctx, "/catalog.v1.Catalog/List", nil)
	if got := r.Resolve(d); got.Identifier != "ip:10.0.0.9" {
		t.Fatalf("expected the peer address, got %q", got.Identifier)
	}

	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("x-api-key", "k1"))

	d = r.DescribeRPC(ctx, "/catalog.v1.Catalog/List", nil)
	if d.APIKey != "k1" {
		t.Fatalf("expected the api key from metadata, got %q", d.APIKey)
	}

	if d.Method != "POST" || d.Path != "/catalog.v1.Catalog/List" {
		t.Fatalf("unexpected request line %s %s", d.Method, d.Path)
	}
}
