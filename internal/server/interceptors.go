package server

import (
	"context"
	"time"

	"DSCLedger/internal/observability"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// requiresAuth selects the methods that need a bearer token. Reads are open.
func requiresAuth(_ context.Context, c interceptors.CallMeta) bool {
	if c.Service != ServiceName {
		return false
	}
	switch c.Method {
	case methodSubmit, methodRebuildProjections, methodVerifyIntegrity, methodFund, methodApproveDsc, methodSetPrice:
		return true
	}
	return false
}

// loggingInterceptor logs method, duration and status code of every unary
// call.
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := codes.OK
		if err != nil {
			code = codes.Internal
			if st, ok := status.FromError(err); ok {
				code = st.Code()
			}
		}

		ev := logger.Debug()
		switch code {
		case codes.OK, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists:
		case codes.Internal, codes.Unknown, codes.DataLoss:
			ev = logger.Error().Err(err)
		default:
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Str("code", code.String()).
			Msg("grpc request")
		return resp, err
	}
}

// metricsInterceptor counts calls per method and records their latency.
func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if m == nil {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)

		m.QueryRequests.WithLabelValues(info.FullMethod).Inc()
		m.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		if err != nil {
			m.QueryErrors.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}
