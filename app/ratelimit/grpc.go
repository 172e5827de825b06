package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor applies admission to unary RPCs. Rate limit headers
// travel as response header metadata and denials map to ResourceExhausted.
func UnaryServerInterceptor(a *Admission, c Classifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		o := a.Admit(ctx, a.DescribeRPC(ctx, info.FullMethod, c))

		if h := o.Headers(); len(h) > 0 {
			md := make(metadata.MD, len(h))
			for k, v := range h {
				md.Set(k, v)
			}

			// fails only outside a server stream, e.g. direct calls in tests
			_ = grpc.SetHeader(ctx, md)
		}

		if !o.Admitted {
			return nil, status.Errorf(codes.ResourceExhausted, "%s, retry after %ds", rejectionDetail, o.RetryAfterSeconds())
		}

		return handler(ctx, req)
	}
}

// DescribeRPC is the unary call counterpart of Describe. A panicking
// classifier or subject lookup degrades to the method and peer address.
func (a *Admission) DescribeRPC(ctx context.Context, fullMethod string, c Classifier) (d Descriptor) {
	defer func() {
		if v := recover(); v != nil {
			a.logger.WithField("error", fmt.Sprintf("%+v", recoveredEngineError(v))).Warn("failed to describe call")

			d = Descriptor{Method: http.MethodPost, Path: fullMethod, RemoteAddr: peerAddr(ctx)}
		}
	}()

	return a.resolver.DescribeRPC(ctx, fullMethod, c)
}

func (r *Resolver) DescribeRPC(ctx context.Context, fullMethod string, c Classifier) Descriptor {
	d := Descriptor{
		Method: http.MethodPost,
		Path:   fullMethod,
	}

	d.RemoteAddr = peerAddr(ctx)

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(strings.ToLower(r.apiKeyHeader)); len(v) > 0 {
			d.APIKey = apiKey(v[0])
		}
	}

	if c != nil {
		d.Action = c.Classify(d.Method, d.Path)
	}

	if r.subject != nil {
		d.Subject = strings.TrimSpace(r.subject(ctx))
	}

	return d
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return normalizeAddr(p.Addr.String())
	}

	return ""
}
